package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/mengeric/taskmesh-go/model"
)

// ScriptExecutor 使用 goja 执行 JavaScript 任务。
// 说明：脚本包在严格模式函数中执行，可访问 ctx.jobData / ctx.job / ctx.log(...)；运行时从有界池中借用，
// 归还前清掉脚本留下的全局变量，中断或出错后的运行时直接换新。
type ScriptExecutor struct {
	pool chan *goja.Runtime
}

// NewScript 构造；size 为运行时池大小。
func NewScript(size int) *ScriptExecutor {
	if size <= 0 {
		size = 8
	}
	s := &ScriptExecutor{pool: make(chan *goja.Runtime, size)}
	for i := 0; i < size; i++ {
		s.pool <- newRuntime()
	}
	return s
}

func newRuntime() *goja.Runtime {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return rt
}

func (s *ScriptExecutor) Support(jobType int) bool { return jobType == model.JobTypeScript }

func (s *ScriptExecutor) borrow(ctx context.Context) (*goja.Runtime, error) {
	select {
	case rt := <-s.pool:
		return rt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ScriptExecutor) giveBack(rt *goja.Runtime, failed bool) {
	if failed || !resetGlobals(rt) {
		rt = newRuntime()
	}
	s.pool <- rt
}

// resetGlobals 删除全局对象上的可枚举属性（内置对象不可枚举）；有删不掉的返回 false。
func resetGlobals(rt *goja.Runtime) bool {
	g := rt.GlobalObject()
	for _, k := range g.Keys() {
		if err := g.Delete(k); err != nil {
			return false
		}
	}
	return len(g.Keys()) == 0
}

// Exec 运行脚本；ctx 结束时中断执行。ReadOnly 脚本对 jobData 的修改不会回写。
func (s *ScriptExecutor) Exec(ctx context.Context, jc *JobContext) error {
	p, err := jc.Store.GetScriptJob(ctx, jc.Job.ID)
	if err != nil {
		return fmt.Errorf("load script job %d: %w", jc.Job.ID, err)
	}
	rt, err := s.borrow(ctx)
	if err != nil {
		return err
	}
	failed := true
	defer func() { s.giveBack(rt, failed) }()

	data := jc.JobData
	if data == nil {
		data = model.JobData{}
		jc.JobData = data
	}
	if p.ReadOnly {
		data = data.Clone()
	}
	obj := rt.NewObject()
	_ = obj.Set("jobData", map[string]any(data))
	_ = obj.Set("job", map[string]any{"id": jc.Job.ID, "name": jc.Job.Name, "namespace": jc.Job.Namespace})
	_ = obj.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		jc.Println(strings.Join(parts, " "))
		return goja.Undefined()
	})
	if err := rt.Set("ctx", obj); err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	_, err = rt.RunString("(function(ctx){\n\"use strict\";\n" + p.Content + "\n})(ctx);")
	close(stop)
	<-done
	if err != nil {
		var intr *goja.InterruptedError
		if errors.As(err, &intr) {
			return fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("script failed: %w", err)
	}
	failed = false
	return nil
}
