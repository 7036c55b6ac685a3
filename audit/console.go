package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
)

// ConsoleSink 某次执行的控制台输出，行号从 1 开始递增。
type ConsoleSink struct {
	w        *Writer
	jobID    int64
	jobLogID int64

	mu   sync.Mutex
	line int
}

// Console 打开一次执行的控制台；执行结束后调用 Release。
func (w *Writer) Console(jobID, jobLogID int64) *ConsoleSink {
	s := &ConsoleSink{w: w, jobID: jobID, jobLogID: jobLogID}
	w.sinks.Store(jobLogID, s)
	return s
}

// Release 关闭控制台，之后的日志 Hook 不再写入该执行。
func (w *Writer) Release(jobLogID int64) { w.sinks.Delete(jobLogID) }

// Print 写一行。
func (s *ConsoleSink) Print(line string) {
	s.mu.Lock()
	s.line++
	n := s.line
	s.mu.Unlock()
	s.w.enqueue(model.ConsoleLog{
		Namespace:    s.w.namespace,
		InstanceName: s.w.instance,
		JobID:        s.jobID,
		JobLogID:     s.jobLogID,
		LineNum:      n,
		Content:      line,
		CreatedAt:    time.Now(),
	})
}

// Lines 已写入的行数。
func (s *ConsoleSink) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line
}

var levelNames = map[int]string{
	logging.LevelDebug: "DEBUG",
	logging.LevelInfo:  "INFO",
	logging.LevelWarn:  "WARN",
	logging.LevelError: "ERROR",
}

// Hook 返回日志旁路：Context 中带有执行标识的日志同时写入对应控制台。
func (w *Writer) Hook() logging.Hook {
	return func(ctx context.Context, level int, msg string, args ...any) {
		ref, ok := logging.JobRefFrom(ctx)
		if !ok {
			return
		}
		v, ok := w.sinks.Load(ref.JobLogID)
		if !ok {
			return
		}
		var b strings.Builder
		b.WriteString(levelNames[level])
		b.WriteByte(' ')
		b.WriteString(msg)
		for i := 0; i+1 < len(args); i += 2 {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		}
		v.(*ConsoleSink).Print(b.String())
	}
}
