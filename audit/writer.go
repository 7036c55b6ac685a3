// Package audit 写入触发日志、执行日志、控制台日志与调度器事件。
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
)

// Writer 审计日志写入器。
// 说明：触发/执行/事件日志同步写入；控制台日志经缓冲通道按批量或周期落库，队列满时丢弃并告警。
type Writer struct {
	store     storage.LogStore
	namespace string
	instance  string

	ch   chan model.ConsoleLog
	tick time.Duration
	max  int

	sinks sync.Map // jobLogID -> *ConsoleSink

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewWriter 创建写入器。
// 参数：flushEvery 控制台日志落库周期；batchMax 单批最大条数。
func NewWriter(store storage.LogStore, namespace, instance string, flushEvery time.Duration, batchMax int) *Writer {
	if batchMax <= 0 {
		batchMax = 256
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Writer{
		store:     store,
		namespace: namespace,
		instance:  instance,
		ch:        make(chan model.ConsoleLog, batchMax*4),
		tick:      flushEvery,
		max:       batchMax,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动后台落库协程。
func (w *Writer) Start(ctx context.Context) {
	if w.started.Swap(true) {
		return
	}
	ticker := time.NewTicker(w.tick)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		buf := make([]model.ConsoleLog, 0, w.max)
		flush := func() {
			if len(buf) == 0 {
				return
			}
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.store.AddConsoleLogs(fctx, buf); err != nil {
				logging.L().Warn(fctx, "write console logs failed", "count", len(buf), "err", err)
			}
			buf = buf[:0]
		}
		for {
			select {
			case <-ctx.Done():
				w.drain(&buf)
				flush()
				return
			case <-w.stop:
				w.drain(&buf)
				flush()
				return
			case it := <-w.ch:
				buf = append(buf, it)
				if len(buf) >= w.max {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

func (w *Writer) drain(buf *[]model.ConsoleLog) {
	for {
		select {
		case it := <-w.ch:
			*buf = append(*buf, it)
		default:
			return
		}
	}
}

// Close 刷新剩余控制台日志并停止后台协程。
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.stop)
		if w.started.Load() {
			<-w.done
		}
	})
}

func (w *Writer) enqueue(it model.ConsoleLog) {
	select {
	case w.ch <- it:
	default:
		logging.L().Warn(context.Background(), "console log queue full, drop", "jobLogId", it.JobLogID)
	}
}

// TriggerLog 同步写触发日志。
func (w *Writer) TriggerLog(ctx context.Context, l *model.TriggerLog) error {
	l.Namespace, l.InstanceName = w.namespace, w.instance
	if err := w.store.AddTriggerLog(ctx, l); err != nil {
		return fmt.Errorf("add trigger log: %w", err)
	}
	return nil
}

// JobLog 同步写执行日志。
func (w *Writer) JobLog(ctx context.Context, l *model.JobLog) error {
	l.Namespace, l.InstanceName = w.namespace, w.instance
	if err := w.store.AddJobLog(ctx, l); err != nil {
		return fmt.Errorf("add job log: %w", err)
	}
	return nil
}

// Event 写调度器事件，失败只记录日志。
func (w *Writer) Event(ctx context.Context, name, info string) {
	ev := &model.SchedulerEventLog{Namespace: w.namespace, InstanceName: w.instance, EventName: name,
		EventInfo: info, CreatedAt: time.Now()}
	if err := w.store.AddEventLog(context.WithoutCancel(ctx), ev); err != nil {
		logging.L().Error(ctx, "write scheduler event failed", "event", name, "err", err)
	}
}

// Eventf 格式化写事件。
func (w *Writer) Eventf(ctx context.Context, name, format string, args ...any) {
	w.Event(ctx, name, fmt.Sprintf(format, args...))
}
