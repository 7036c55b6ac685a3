package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mengeric/taskmesh-go/model"
)

// Func 进程内任务函数，可读写 jc.JobData。
type Func func(ctx context.Context, jc *JobContext) error

var (
	regMu sync.RWMutex
	funcs = map[string]Func{}
)

// RegisterFunc 注册函数任务，同名覆盖。
func RegisterFunc(name string, fn Func) {
	regMu.Lock()
	defer regMu.Unlock()
	funcs[name] = fn
}

// LookupFunc 按名称查找函数。
func LookupFunc(name string) (Func, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// FuncNames 已注册的函数名（数据校验使用）。
func FuncNames() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(funcs))
	for k := range funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FuncExecutor 执行已注册的进程内函数。
type FuncExecutor struct{}

func (FuncExecutor) Support(jobType int) bool { return jobType == model.JobTypeFunc }

func (FuncExecutor) Exec(ctx context.Context, jc *JobContext) (err error) {
	p, err := jc.Store.GetFuncJob(ctx, jc.Job.ID)
	if err != nil {
		return fmt.Errorf("load func job %d: %w", jc.Job.ID, err)
	}
	fn, ok := LookupFunc(p.FuncName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFuncNotFound, p.FuncName)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("func %s panic: %v", p.FuncName, r)
		}
	}()
	return fn(ctx, jc)
}
