// Package guard 执行一次触发：加任务锁、重入控制、重试、计数与执行日志。
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/executor"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/mengeric/taskmesh-go/tracker"
)

// ErrSkipped 触发已被其他实例执行（RunCount 已变化）。
var ErrSkipped = errors.New("guard: firing already executed")

// Firing 一次待执行的触发。
type Firing struct {
	Job          *model.Job     // 分发时读取的任务快照
	Trigger      *model.Trigger // 手动执行时为 nil
	FireTime     time.Time
	TriggerLogID int64
}

// Guard 执行守卫。
type Guard struct {
	store      storage.Store
	locker     lock.Locker
	registry   *executor.Registry
	tracker    *tracker.Manager
	audit      *audit.Writer
	instance   string
	retryDelay time.Duration
}

// Options 构造参数。
type Options struct {
	Store      storage.Store
	Locker     lock.Locker
	Registry   *executor.Registry
	Tracker    *tracker.Manager
	Audit      *audit.Writer
	Instance   string
	RetryDelay time.Duration
}

// New 构造守卫。
func New(o Options) *Guard {
	if o.Tracker == nil {
		o.Tracker = tracker.NewManager()
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return &Guard{store: o.Store, locker: o.Locker, registry: o.Registry, tracker: o.Tracker,
		audit: o.Audit, instance: o.Instance, retryDelay: o.RetryDelay}
}

// Tracker 返回在途执行跟踪器。
func (g *Guard) Tracker() *tracker.Manager { return g.tracker }

// Execute 执行一次触发。
// 返回：未拿到任务锁或已被其他实例执行时返回 (nil, nil)；否则返回写入的 JobLog。
func (g *Guard) Execute(ctx context.Context, f Firing) (*model.JobLog, error) {
	job := f.Job
	if job.AllowConcurrent {
		return g.run(ctx, f)
	}
	name := model.JobLockName(job.Namespace, job.ID)
	jl, ok, err := lock.TryWith(ctx, g.locker, name, 0, func(ctx context.Context) (*model.JobLog, error) {
		return g.run(ctx, f)
	})
	if errors.Is(err, ErrSkipped) {
		logging.L().Debug(ctx, "firing already executed elsewhere", "jobId", job.ID)
		g.audit.Eventf(ctx, model.EventLockContended, "job=%d skipped: already executed", job.ID)
		return nil, nil
	}
	if err != nil {
		return jl, err
	}
	if !ok {
		g.audit.Eventf(ctx, model.EventLockContended, "job=%d lock=%s", job.ID, name)
		return nil, nil
	}
	return jl, nil
}

func (g *Guard) run(ctx context.Context, f Firing) (*model.JobLog, error) {
	job, err := g.store.GetJob(ctx, f.Job.Namespace, f.Job.ID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", f.Job.ID, err)
	}
	if !job.AllowConcurrent && job.RunCount != f.Job.RunCount {
		return nil, ErrSkipped
	}

	jl := &model.JobLog{
		ID:           model.NextID(),
		TriggerLogID: f.TriggerLogID,
		JobID:        job.ID,
		FireTime:     f.FireTime,
		StartTime:    time.Now(),
		RunCount:     job.RunCount,
	}
	if f.Trigger != nil {
		id := f.Trigger.ID
		jl.TriggerID = &id
	}

	r, running := g.tracker.Enter(ctx, job.ID, jl.ID, job.MaxReentry)
	if r == nil {
		jl.Status = model.JobLogCancelled
		jl.ExceptionInfo = fmt.Sprintf("reentry limit reached: running=%d maxReentry=%d", running, job.MaxReentry)
		jl.EndTime = time.Now()
		return jl, g.audit.JobLog(ctx, jl)
	}
	defer g.tracker.Leave(r)

	before := job.JobData.String()
	jc := &executor.JobContext{
		Job:      job,
		Trigger:  f.Trigger,
		Instance: g.instance,
		JobLogID: jl.ID,
		Store:    g.store,
		JobData:  job.JobData.Clone(),
		Console:  g.audit.Console(job.ID, jl.ID),
	}
	defer g.audit.Release(jl.ID)
	jctx := logging.WithJobRef(r.Ctx, logging.JobRef{Namespace: job.Namespace, JobID: job.ID, JobLogID: jl.ID})

	execErr := g.attempt(jctx, jc, jl)

	jl.EndTime = time.Now()
	jl.RunTimeMs = jl.EndTime.Sub(jl.StartTime).Milliseconds()
	jl.BeforeJobData = before
	jl.AfterJobData = jc.JobData.String()
	if execErr != nil {
		jl.Status = model.JobLogFailed
		jl.ExceptionInfo = execErr.Error()
	}

	if n, err := g.store.IncrJobRunCount(ctx, job.Namespace, job.ID); err != nil {
		logging.L().Error(ctx, "increase job run count failed", "jobId", job.ID, "err", err)
	} else {
		jl.RunCount = n
	}
	if job.IsUpdateData && jl.AfterJobData != before {
		if err := g.store.UpdateJobData(ctx, job.Namespace, job.ID, jc.JobData); err != nil {
			logging.L().Error(ctx, "update job data failed", "jobId", job.ID, "err", err)
		}
	}
	return jl, g.audit.JobLog(ctx, jl)
}

// attempt 执行 1+MaxRetryCount 次，成功即停；jl.RetryCount 记录实际重试次数。
func (g *Guard) attempt(ctx context.Context, jc *executor.JobContext, jl *model.JobLog) error {
	exec, err := g.registry.Resolve(jc.Job.Type)
	if err != nil {
		return err
	}
	maxRetry := jc.Job.MaxRetryCount
	if maxRetry < 0 {
		maxRetry = 0
	}
	for i := 0; ; i++ {
		err = safeExec(ctx, exec, jc)
		if err == nil {
			return nil
		}
		logging.L().Warn(ctx, "job attempt failed", "jobId", jc.Job.ID, "attempt", i+1, "err", err)
		if i >= maxRetry || ctx.Err() != nil {
			return err
		}
		t := time.NewTimer(g.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		jl.RetryCount = i + 1
	}
}

func safeExec(ctx context.Context, e executor.Executor, jc *executor.JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return e.Exec(ctx, jc)
}
