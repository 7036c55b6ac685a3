// Package executor 定义任务执行 SPI 以及 HTTP/函数/脚本/Shell 四种执行器。
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
)

var (
	// ErrUnsupported 没有执行器支持该任务类型。
	ErrUnsupported = errors.New("executor: unsupported job type")
	// ErrFuncNotFound 函数任务引用的名称未注册。
	ErrFuncNotFound = errors.New("executor: func not found")
)

// Console 任务控制台输出，每行对应一条 ConsoleLog。
type Console interface {
	Print(line string)
}

// JobContext 一次执行的上下文。
// 说明：JobData 可被执行器修改，执行结束后由调用方决定是否持久化。
type JobContext struct {
	Job      *model.Job
	Trigger  *model.Trigger // 手动执行时为 nil
	Instance string
	JobLogID int64
	Store    storage.Store
	JobData  model.JobData
	Console  Console
}

// Println 写一行控制台输出；Console 为空时忽略。
func (jc *JobContext) Println(line string) {
	if jc.Console != nil {
		jc.Console.Print(line)
	}
}

// Executor 任务执行器 SPI。
type Executor interface {
	Support(jobType int) bool
	Exec(ctx context.Context, jc *JobContext) error
}

// Registry 执行器注册表，按注册顺序匹配。
type Registry struct {
	execs []Executor
}

// NewRegistry 构造注册表。
func NewRegistry(execs ...Executor) *Registry { return &Registry{execs: execs} }

// Add 追加执行器。
func (r *Registry) Add(e Executor) { r.execs = append(r.execs, e) }

// Resolve 返回第一个支持 jobType 的执行器。
func (r *Registry) Resolve(jobType int) (Executor, error) {
	for _, e := range r.execs {
		if e.Support(jobType) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupported, jobType)
}
