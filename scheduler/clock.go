package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/dispatch"
	"github.com/mengeric/taskmesh-go/guard"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/mengeric/taskmesh-go/trigger"
)

const (
	// windowLimit 单次预加载的触发器上限。
	windowLimit = 1200
	// lagThreshold 一轮循环落后超过该值时告警。
	lagThreshold = 500 * time.Millisecond
)

// errFiredElsewhere 触发器已被其他实例推进（FireCount 已变化）。
var errFiredElsewhere = errors.New("scheduler: trigger fired elsewhere")

// ClockOptions 时钟循环参数。
type ClockOptions struct {
	Namespace  string
	Instance   string
	Store      storage.Store
	Locker     lock.Locker
	Guard      *guard.Guard
	Dispatcher *dispatch.Dispatcher
	Live       *LiveView
	Audit      *audit.Writer
	Tick       time.Duration // 循环周期 N
	Margin     time.Duration // 预加载余量 M
	PoolSize   int
	// Gate 返回 false 时本轮不领取任务（例如实例降级）。
	Gate func() bool
	// OnFault 时钟循环出现协调错误或 panic 后调用，调用方应暂停调度器。
	OnFault func(err error)
}

// Clock 触发器时钟：每个 tick 预加载窗口、找出到期触发器并分发到执行池。
type Clock struct {
	o      ClockOptions
	window *trigger.Window
	sem    *semaphore.Weighted
	alarms *rate.Limiter
	now    func() time.Time

	inflight sync.Map // triggerID -> struct{}
	jobs     sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	fault  atomic.Bool
}

// NewClock 构造时钟。
func NewClock(o ClockOptions) *Clock {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.Margin < 0 {
		o.Margin = 0
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 64
	}
	if o.Dispatcher == nil {
		o.Dispatcher = dispatch.New()
	}
	if o.Gate == nil {
		o.Gate = func() bool { return true }
	}
	return &Clock{
		o:      o,
		window: trigger.NewWindow(),
		sem:    semaphore.NewWeighted(int64(o.PoolSize)),
		alarms: rate.NewLimiter(rate.Every(3*time.Second), 1),
		now:    time.Now,
	}
}

// Window 返回预加载窗口（只读观察用）。
func (c *Clock) Window() *trigger.Window { return c.window }

// Start 启动时钟循环；已在运行时忽略。
// 参数：ctx 为调度器生命周期，任务执行沿用该 ctx，Stop 只结束循环本身。
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.fault.Store(false)
	go c.loop(lctx, ctx, c.done)
}

// Stop 结束时钟循环并等待其退出，不等待在途任务。
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running 时钟循环是否在运行。
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Drain 等待在途触发与任务执行完成，ctx 结束时放弃等待。
func (c *Clock) Drain(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		c.jobs.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Clock) loop(lctx, jctx context.Context, done chan struct{}) {
	defer close(done)
	tick := c.o.Tick
	next := c.now().Truncate(tick).Add(tick)
	for {
		t := time.NewTimer(time.Until(next))
		select {
		case <-lctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !c.safeTick(lctx, jctx, next) {
			return
		}
		lag := c.now().Sub(next)
		if lag > lagThreshold && c.alarms.Allow() {
			logging.L().Warn(lctx, "clock loop lagging", "lag", lag, "window", c.window.Len())
			c.o.Audit.Eventf(lctx, model.EventOptimizeAlarms, "tick=%s lag=%s window=%d", next.Format(time.RFC3339), lag, c.window.Len())
		}
		next = next.Add(tick)
		if now := c.now(); next.Before(now) {
			next = now.Truncate(tick).Add(tick)
		}
	}
}

// safeTick 执行一轮并恢复 panic；返回 false 表示循环应当停止。
func (c *Clock) safeTick(lctx, jctx context.Context, now time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.raise(lctx, fmt.Errorf("clock tick panic: %v\n%s", r, debug.Stack()))
			ok = false
		}
	}()
	c.tickAt(lctx, jctx, now)
	return !c.fault.Load()
}

// raise 记录协调错误并通知调用方暂停，只生效一次。
func (c *Clock) raise(ctx context.Context, err error) {
	if c.fault.Swap(true) {
		return
	}
	logging.L().Error(ctx, "fire triggers failed, pausing clock", "err", err)
	c.o.Audit.Event(ctx, model.EventFireTriggersError, err.Error())
	if c.o.OnFault != nil {
		go c.o.OnFault(err)
	}
}

// tickAt 以 now 为当前时间执行一轮：重载窗口，分发到期触发器。
// 返回：本轮提交到执行池的触发器数。
func (c *Clock) tickAt(lctx, jctx context.Context, now time.Time) int {
	if err := c.reload(lctx, now); err != nil {
		logging.L().Warn(lctx, "reload trigger window failed", "err", err)
		c.o.Audit.Eventf(lctx, model.EventReloadError, "reload window: %v", err)
	}
	if !c.o.Gate() {
		return 0
	}
	n := 0
	for _, tr := range c.window.Due(now) {
		if _, busy := c.inflight.LoadOrStore(tr.ID, struct{}{}); busy {
			continue
		}
		if !c.sem.TryAcquire(1) {
			c.inflight.Delete(tr.ID)
			logging.L().Warn(lctx, "worker pool full, trigger deferred", "triggerId", tr.ID, "pool", c.o.PoolSize)
			break
		}
		n++
		c.jobs.Add(1)
		go func(tr model.Trigger) {
			defer c.jobs.Done()
			defer c.sem.Release(1)
			c.fire(jctx, tr, now)
		}(tr)
	}
	return n
}

func (c *Clock) reload(ctx context.Context, now time.Time) error {
	until := now.Add(c.o.Tick + c.o.Margin)
	list, err := c.o.Store.QueryNextTriggers(ctx, c.o.Namespace, until, windowLimit)
	if err != nil {
		return err
	}
	if len(list) >= windowLimit {
		logging.L().Warn(ctx, "trigger window truncated", "limit", windowLimit)
	}
	c.window.Reload(until, list)
	return nil
}

// fire 处理一个到期触发器：路由选择、触发器锁与 FireCount 二次校验、推进触发时间、写触发日志，然后交给执行守卫。
func (c *Clock) fire(ctx context.Context, tr model.Trigger, now time.Time) {
	released := false
	release := func() {
		if !released {
			released = true
			c.inflight.Delete(tr.ID)
		}
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error(ctx, "trigger fire panic", "triggerId", tr.ID, "panic", r)
			c.o.Audit.Eventf(ctx, model.EventTriggerFireError, "trigger=%d panic: %v", tr.ID, r)
		}
	}()

	job, err := c.o.Store.GetJob(ctx, tr.Namespace, tr.JobID)
	if err != nil {
		logging.L().Error(ctx, "load trigger job failed", "triggerId", tr.ID, "jobId", tr.JobID, "err", err)
		c.o.Audit.Eventf(ctx, model.EventTriggerFireError, "trigger=%d job=%d: %v", tr.ID, tr.JobID, err)
		c.window.Drop(tr)
		return
	}
	if !job.Disable {
		dec := c.o.Dispatcher.Select(job, c.o.Live.Eligible(), c.o.Instance)
		if !dec.Run {
			return
		}
	}

	var firing *guard.Firing
	var ferr error
	if tr.AllowConcurrent {
		firing, ferr = c.advance(ctx, tr, job, now)
	} else {
		name := model.TriggerLockName(tr.Namespace, tr.ID)
		ok, err := c.o.Locker.TryLock(ctx, name, 0, func(ctx context.Context) error {
			cnt, err := c.o.Store.GetTriggerFireCount(ctx, tr.Namespace, tr.ID)
			if err != nil {
				ferr = err
				return nil
			}
			if cnt != tr.FireCount {
				ferr = errFiredElsewhere
				return nil
			}
			firing, ferr = c.advance(ctx, tr, job, now)
			return nil
		})
		if err != nil {
			c.raise(ctx, fmt.Errorf("trigger lock %s: %w", name, err))
			return
		}
		if !ok {
			c.o.Audit.Eventf(ctx, model.EventLockContended, "trigger=%d lock=%s", tr.ID, name)
			c.window.Drop(tr)
			return
		}
	}
	if errors.Is(ferr, errFiredElsewhere) {
		c.window.Drop(tr)
		return
	}
	if ferr != nil {
		logging.L().Error(ctx, "trigger fire failed", "triggerId", tr.ID, "err", ferr)
		c.o.Audit.Eventf(ctx, model.EventTriggerFireError, "trigger=%d: %v", tr.ID, ferr)
		return
	}
	c.window.Drop(tr)
	release()
	if firing == nil {
		return
	}
	if _, err := c.o.Guard.Execute(ctx, *firing); err != nil {
		logging.L().Error(ctx, "job execute failed", "jobId", job.ID, "triggerId", tr.ID, "err", err)
	}
}

// advance 按错过触发策略推进触发器，需要执行时写触发日志并返回待执行的 Firing。
func (c *Clock) advance(ctx context.Context, tr model.Trigger, job *model.Job, now time.Time) (*guard.Firing, error) {
	start := c.now()
	plan, err := trigger.Decide(&tr, now, c.o.Tick)
	if err != nil {
		logging.L().Error(ctx, "calc next fire time failed", "triggerId", tr.ID, "err", err)
		c.o.Audit.Eventf(ctx, model.EventCalcNextFireError, "trigger=%d: %v", tr.ID, err)
		if uerr := c.o.Store.UpdateNextFireTime(ctx, tr.Namespace, tr.ID, nil); uerr != nil {
			return nil, uerr
		}
		return nil, nil
	}
	if job.Disable && plan.Fire {
		logging.L().Info(ctx, "job disabled, firing skipped", "jobId", job.ID, "triggerId", tr.ID)
		plan.Fire = false
	}
	if !plan.Fire {
		if plan.MisFired {
			logging.L().Info(ctx, "misfire ignored", "triggerId", tr.ID, "scheduled", tr.NextFireTime, "next", plan.Next)
		}
		if err := c.o.Store.UpdateNextFireTime(ctx, tr.Namespace, tr.ID, plan.Next); err != nil {
			return nil, fmt.Errorf("update next fire time: %w", err)
		}
		return nil, nil
	}

	last := *tr.NextFireTime
	msg := ""
	if plan.MisFired {
		last = now.Truncate(time.Second)
		msg = fmt.Sprintf("misfire compensated, scheduled=%s", tr.NextFireTime.Format(time.RFC3339))
	}
	if _, err := c.o.Store.UpdateFireTime(ctx, tr.Namespace, tr.ID, &last, plan.Next); err != nil {
		return nil, fmt.Errorf("update fire time: %w", err)
	}
	tr.LastFireTime, tr.NextFireTime = &last, plan.Next
	tr.FireCount++

	tl := &model.TriggerLog{
		ID:            model.NextID(),
		TriggerID:     &tr.ID,
		JobID:         job.ID,
		TriggerName:   tr.Name,
		FireTime:      now,
		LastFireTime:  &last,
		NextFireTime:  plan.Next,
		FireCount:     tr.FireCount,
		MisFired:      plan.MisFired,
		TriggerMsg:    msg,
		TriggerTimeMs: c.now().Sub(start).Milliseconds(),
	}
	if err := c.o.Audit.TriggerLog(ctx, tl); err != nil {
		logging.L().Error(ctx, "write trigger log failed", "triggerId", tr.ID, "err", err)
	}
	return &guard.Firing{Job: job, Trigger: &tr, FireTime: now, TriggerLogID: tl.ID}, nil
}

// Calibrate 校准触发器：无效 cron 的 NextFireTime 置空，缺失的 NextFireTime 补算。
// 返回：更新的触发器数。
func (c *Clock) Calibrate(ctx context.Context) (int, error) {
	n := 0
	_, err := c.o.Locker.TryLock(ctx, model.MaintainLockName(c.o.Namespace, TaskCalibrate), 0, func(ctx context.Context) error {
		list, err := c.o.Store.ListTriggers(ctx, c.o.Namespace)
		if err != nil {
			return err
		}
		for i := range list {
			tr := &list[i]
			if tr.Disable {
				continue
			}
			if tr.Type == model.TriggerCron {
				if verr := trigger.ValidateCron(tr.Cron); verr != nil {
					c.o.Audit.Eventf(ctx, model.EventCalcNextFireError, "trigger=%d: %v", tr.ID, verr)
					if tr.NextFireTime != nil {
						if err := c.o.Store.UpdateNextFireTime(ctx, tr.Namespace, tr.ID, nil); err != nil {
							return err
						}
						n++
					}
					continue
				}
			}
			if tr.NextFireTime != nil {
				continue
			}
			next, err := trigger.FirstFireTime(tr)
			if err != nil {
				c.o.Audit.Eventf(ctx, model.EventCalcNextFireError, "trigger=%d: %v", tr.ID, err)
				continue
			}
			if next == nil {
				continue
			}
			if err := c.o.Store.UpdateNextFireTime(ctx, tr.Namespace, tr.ID, next); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if n > 0 {
		logging.L().Info(ctx, "triggers calibrated", "count", n)
	}
	return n, err
}
