package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/metrics"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
)

// degradeAfter 连续失败多少次后进入降级状态。
const degradeAfter = 3

// Heartbeat 周期性写入实例行（心跳 + 运行时指标）。
// 说明：失败按指数退避重试；连续失败 degradeAfter 次进入降级（仍继续心跳，但不再领取新任务），首次成功后恢复。
type Heartbeat struct {
	store    storage.InstanceStore
	audit    *audit.Writer
	tmpl     model.SchedulerInstance
	running  func() int
	interval atomic.Int64 // time.Duration
	state    atomic.Value // string
	failures atomic.Int32
	degraded atomic.Bool
	started  atomic.Bool
	now      func() time.Time
}

// NewHeartbeat 构造心跳。
// 参数：tmpl 为实例行模板（Namespace/InstanceName/Config/Description）；running 返回本实例在途任务数，可为 nil。
func NewHeartbeat(store storage.InstanceStore, aw *audit.Writer, tmpl model.SchedulerInstance, interval time.Duration, running func() int) *Heartbeat {
	if running == nil {
		running = func() int { return 0 }
	}
	h := &Heartbeat{store: store, audit: aw, tmpl: tmpl, running: running, now: time.Now}
	h.SetInterval(interval)
	h.state.Store(model.InstanceRunning)
	return h
}

// SetInterval 调整心跳周期，下一轮生效。
func (h *Heartbeat) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 3 * time.Second
	}
	h.interval.Store(int64(d))
}

// Interval 当前心跳周期。
func (h *Heartbeat) Interval() time.Duration { return time.Duration(h.interval.Load()) }

// SetState 设置写入实例行的状态（running/paused）。
func (h *Heartbeat) SetState(state string) { h.state.Store(state) }

// Degraded 是否处于降级状态。
func (h *Heartbeat) Degraded() bool { return h.degraded.Load() }

// Beat 写一次心跳。
// 返回：写库失败时返回错误，并累计失败次数。
func (h *Heartbeat) Beat(ctx context.Context) error {
	ins := h.tmpl
	ins.LastHeartbeatTime = h.now()
	ins.HeartbeatInterval = h.Interval().Milliseconds()
	ins.Config.HeartbeatMs = ins.HeartbeatInterval
	ins.RuntimeInfo = metrics.Collect(ctx, h.running())
	ins.State = h.state.Load().(string)
	if h.degraded.Load() {
		ins.State = model.InstanceDegraded
	}
	if err := h.store.UpsertInstance(ctx, &ins); err != nil {
		n := h.failures.Add(1)
		logging.L().Warn(ctx, "heartbeat failed", "instance", ins.InstanceName, "failures", n, "err", err)
		h.audit.Eventf(ctx, model.EventHeartbeatError, "failures=%d err=%v", n, err)
		if n >= degradeAfter && !h.degraded.Swap(true) {
			logging.L().Error(ctx, "instance degraded", "instance", ins.InstanceName)
			h.audit.Eventf(ctx, model.EventDegraded, "consecutive heartbeat failures=%d", n)
		}
		return err
	}
	h.failures.Store(0)
	if h.degraded.Swap(false) {
		logging.L().Info(ctx, "instance recovered", "instance", ins.InstanceName)
		h.audit.Event(ctx, model.EventRecovered, "heartbeat restored")
	}
	return nil
}

// Start 启动心跳协程，ctx 结束时退出。
func (h *Heartbeat) Start(ctx context.Context) {
	if h.started.Swap(true) {
		return
	}
	go func() {
		defer h.started.Store(false)
		bo := &lock.Backoff{Initial: 200 * time.Millisecond, Max: h.Interval()}
		t := time.NewTimer(h.Interval())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				wait := h.Interval()
				if err := h.Beat(ctx); err != nil {
					bo.Max = wait
					wait = bo.Next()
				} else {
					bo.Reset()
				}
				t.Reset(wait)
			}
		}
	}()
}
