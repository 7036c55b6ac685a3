package logging

import "context"

// JobRef 标识一次任务执行，携带在 Context 中供日志 Hook 识别。
type JobRef struct {
	Namespace string
	JobID     int64
	JobLogID  int64
}

type ctxKey string

var ctxKeyJob ctxKey = "taskmesh_job"

// WithJobRef 将执行标识写入 Context。
func WithJobRef(ctx context.Context, ref JobRef) context.Context {
	return context.WithValue(ctx, ctxKeyJob, ref)
}

// JobRefFrom 尝试从上下文中提取执行标识。
func JobRefFrom(ctx context.Context) (JobRef, bool) {
	ref, ok := ctx.Value(ctxKeyJob).(JobRef)
	if !ok || ref.JobLogID == 0 {
		return JobRef{}, false
	}
	return ref, true
}
