package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/executor"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/mengeric/taskmesh-go/trigger"
)

// 维护任务名称，对应 maintain_<namespace>_<task> 锁。
const (
	TaskClearLogs     = "clear_logs"
	TaskDataCheck     = "data_check"
	TaskCollectReport = "collect_report"
	TaskCalibrate     = "calibrate"
)

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true, "HEAD": true, "OPTIONS": true,
}

// MaintenanceOptions 维护任务参数。
type MaintenanceOptions struct {
	Store       storage.Store
	Locker      lock.Locker
	Audit       *audit.Writer
	Namespace   string
	Retention   time.Duration // <=0 不清理
	ClearEvery  time.Duration
	CheckEvery  time.Duration
	ReportEvery time.Duration
}

// Maintenance 周期性维护：日志清理、数据校验、报表汇总。
// 说明：每项任务都在各自的维护锁内执行，同一时刻集群中只有一个实例在做。
type Maintenance struct {
	o         MaintenanceOptions
	retention atomic.Int64
	now       func() time.Time
}

// NewMaintenance 构造。
func NewMaintenance(o MaintenanceOptions) *Maintenance {
	if o.ClearEvery <= 0 {
		o.ClearEvery = time.Hour
	}
	if o.CheckEvery <= 0 {
		o.CheckEvery = 15 * time.Minute
	}
	if o.ReportEvery <= 0 {
		o.ReportEvery = time.Hour
	}
	m := &Maintenance{o: o, now: time.Now}
	m.SetRetention(o.Retention)
	return m
}

// SetRetention 调整日志保留时长，配置热更新时调用。
func (m *Maintenance) SetRetention(d time.Duration) { m.retention.Store(int64(d)) }

func (m *Maintenance) exclusive(ctx context.Context, task string, fn func(ctx context.Context) error) (bool, error) {
	name := model.MaintainLockName(m.o.Namespace, task)
	return m.o.Locker.TryLock(ctx, name, 0, fn)
}

// ClearLogs 删除超过保留时长的已完成指令与各类日志。
// 返回：retention<=0 或锁被占用时返回零值。
func (m *Maintenance) ClearLogs(ctx context.Context) (storage.ClearResult, int64, error) {
	var res storage.ClearResult
	var cmds int64
	retention := time.Duration(m.retention.Load())
	if retention <= 0 {
		return res, 0, nil
	}
	_, err := m.exclusive(ctx, TaskClearLogs, func(ctx context.Context) error {
		before := m.now().Add(-retention)
		var err error
		if cmds, err = m.o.Store.ClearCmds(ctx, m.o.Namespace, before); err != nil {
			return fmt.Errorf("clear cmds: %w", err)
		}
		if res, err = m.o.Store.ClearLogs(ctx, m.o.Namespace, before); err != nil {
			return fmt.Errorf("clear logs: %w", err)
		}
		logging.L().Info(ctx, "logs cleared", "before", before, "cmds", cmds, "jobLogs", res.JobLogs,
			"triggerLogs", res.TriggerLogs, "eventLogs", res.EventLogs, "consoleLogs", res.ConsoleLogs)
		return nil
	})
	return res, cmds, err
}

// DataCheck 校验任务与触发器数据的完整性与取值有效性。
// 返回：发现的问题列表；有问题时写 data_check_error 事件。距上次 data_check_error 过近时跳过。
func (m *Maintenance) DataCheck(ctx context.Context) ([]string, error) {
	var problems []string
	_, err := m.exclusive(ctx, TaskDataCheck, func(ctx context.Context) error {
		last, err := m.o.Store.LastEventTime(ctx, m.o.Namespace, model.EventDataCheckError)
		if err != nil {
			return err
		}
		gap := max(m.o.CheckEvery/2, 5*time.Minute)
		if last != nil && m.now().Sub(*last) < gap {
			return nil
		}
		problems, err = m.check(ctx)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			logging.L().Warn(ctx, "data check found problems", "count", len(problems))
			m.o.Audit.Event(ctx, model.EventDataCheckError, strings.Join(problems, "\n"))
		}
		return nil
	})
	return problems, err
}

func (m *Maintenance) check(ctx context.Context) ([]string, error) {
	ns := m.o.Namespace
	jobs, err := m.o.Store.ListJobs(ctx, ns)
	if err != nil {
		return nil, err
	}
	var out []string
	add := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }
	ids := make(map[int64]bool, len(jobs))
	for _, j := range jobs {
		ids[j.ID] = true
		if !model.ValidRoute(j.RouteStrategy) {
			add("job %d: invalid route strategy %d", j.ID, j.RouteStrategy)
		}
		if !model.ValidBalance(j.LoadBalance) {
			add("job %d: invalid load balance %d", j.ID, j.LoadBalance)
		}
		var perr error
		switch j.Type {
		case model.JobTypeHTTP:
			var p *model.HTTPJob
			if p, perr = m.o.Store.GetHTTPJob(ctx, j.ID); perr == nil && !httpMethods[strings.ToUpper(p.Method)] {
				add("job %d: invalid http method %q", j.ID, p.Method)
			}
		case model.JobTypeFunc:
			var p *model.FuncJob
			if p, perr = m.o.Store.GetFuncJob(ctx, j.ID); perr == nil {
				if _, ok := executor.LookupFunc(p.FuncName); !ok {
					add("job %d: func %q not registered", j.ID, p.FuncName)
				}
			}
		case model.JobTypeScript:
			_, perr = m.o.Store.GetScriptJob(ctx, j.ID)
		case model.JobTypeShell:
			var p *model.ShellJob
			if p, perr = m.o.Store.GetShellJob(ctx, j.ID); perr == nil {
				if _, ok := model.ShellTypes[p.ShellType]; !ok {
					add("job %d: invalid shell type %q", j.ID, p.ShellType)
				}
			}
		default:
			add("job %d: invalid type %d", j.ID, j.Type)
		}
		if errors.Is(perr, storage.ErrNotFound) {
			add("job %d: payload row missing for type %d", j.ID, j.Type)
		} else if perr != nil {
			return nil, perr
		}
	}

	triggers, err := m.o.Store.ListTriggers(ctx, ns)
	if err != nil {
		return nil, err
	}
	for _, tr := range triggers {
		if !ids[tr.JobID] {
			add("trigger %d: job %d not found", tr.ID, tr.JobID)
		}
		if tr.MisfireStrategy != model.MisfireIgnore && tr.MisfireStrategy != model.MisfireCompensate {
			add("trigger %d: invalid misfire strategy %d", tr.ID, tr.MisfireStrategy)
		}
		switch tr.Type {
		case model.TriggerCron:
			if err := trigger.ValidateCron(tr.Cron); err != nil {
				add("trigger %d: %v", tr.ID, err)
			}
		case model.TriggerFixed:
			if tr.FixedInterval <= 0 {
				add("trigger %d: invalid fixed interval %d", tr.ID, tr.FixedInterval)
			}
		default:
			add("trigger %d: invalid type %d", tr.ID, tr.Type)
		}
	}
	return out, nil
}

// CollectReport 从上次报表日（无报表时取最早触发日）到昨天逐日汇总并写入报表。
// 返回：写入的报表行数。
func (m *Maintenance) CollectReport(ctx context.Context) (int64, error) {
	var n int64
	_, err := m.exclusive(ctx, TaskCollectReport, func(ctx context.Context) error {
		ns := m.o.Namespace
		now := m.now()
		yesterday := dayStart(now).AddDate(0, 0, -1)
		var from time.Time
		last, err := m.o.Store.LastReportDay(ctx, ns)
		if err != nil {
			return err
		}
		if last != "" {
			if from, err = time.ParseInLocation(storage.DayFormat, last, now.Location()); err != nil {
				return fmt.Errorf("parse report day %q: %w", last, err)
			}
		} else {
			earliest, err := m.o.Store.MinFireTime(ctx, ns)
			if err != nil {
				return err
			}
			if earliest == nil {
				return nil
			}
			from = dayStart(earliest.In(now.Location()))
		}
		var reports []model.JobReport
		for day := from; !day.After(yesterday); day = day.AddDate(0, 0, 1) {
			r, err := m.o.Store.BuildReport(ctx, ns, day)
			if err != nil {
				return fmt.Errorf("build report %s: %w", day.Format(storage.DayFormat), err)
			}
			reports = append(reports, r)
		}
		if len(reports) == 0 {
			return nil
		}
		if n, err = m.o.Store.SaveReports(ctx, reports); err != nil {
			return fmt.Errorf("save reports: %w", err)
		}
		logging.L().Info(ctx, "job reports collected", "count", n)
		return nil
	})
	return n, err
}

func dayStart(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// Start 启动三个维护协程，启动后立即各执行一次。
func (m *Maintenance) Start(ctx context.Context) {
	m.loop(ctx, m.o.ClearEvery, model.EventClearLogError, func(ctx context.Context) error {
		_, _, err := m.ClearLogs(ctx)
		return err
	})
	m.loop(ctx, m.o.CheckEvery, model.EventDataCheckError, func(ctx context.Context) error {
		_, err := m.DataCheck(ctx)
		return err
	})
	m.loop(ctx, m.o.ReportEvery, model.EventCollectReportErr, func(ctx context.Context) error {
		_, err := m.CollectReport(ctx)
		return err
	})
}

func (m *Maintenance) loop(ctx context.Context, every time.Duration, event string, fn func(ctx context.Context) error) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logging.L().Error(ctx, "maintenance task failed", "event", event, "err", err)
				m.o.Audit.Eventf(ctx, event, "%v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
