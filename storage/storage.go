// Package storage 定义调度器对共享存储的全部访问契约。
// 说明：调度器只通过这里的接口读写数据，SQL 方言与连接池由具体实现（gormstore/memstore）负责。
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mengeric/taskmesh-go/model"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("storage: record not found")

// JobStore 任务及其类型负载的读写。
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, namespace string, id int64) (*model.Job, error)
	ListJobs(ctx context.Context, namespace string) ([]model.Job, error)
	DeleteJob(ctx context.Context, namespace string, id int64) error
	GetJobRunCount(ctx context.Context, namespace string, id int64) (int64, error)
	// IncrJobRunCount runCount+1 并返回新值。
	IncrJobRunCount(ctx context.Context, namespace string, id int64) (int64, error)
	UpdateJobData(ctx context.Context, namespace string, id int64, data model.JobData) error

	SaveHTTPJob(ctx context.Context, p *model.HTTPJob) error
	GetHTTPJob(ctx context.Context, jobID int64) (*model.HTTPJob, error)
	SaveFuncJob(ctx context.Context, p *model.FuncJob) error
	GetFuncJob(ctx context.Context, jobID int64) (*model.FuncJob, error)
	SaveScriptJob(ctx context.Context, p *model.ScriptJob) error
	GetScriptJob(ctx context.Context, jobID int64) (*model.ScriptJob, error)
	SaveShellJob(ctx context.Context, p *model.ShellJob) error
	GetShellJob(ctx context.Context, jobID int64) (*model.ShellJob, error)
}

// TriggerStore 触发器读写。
type TriggerStore interface {
	SaveTrigger(ctx context.Context, tr *model.Trigger) error
	GetTrigger(ctx context.Context, namespace string, id int64) (*model.Trigger, error)
	ListTriggers(ctx context.Context, namespace string) ([]model.Trigger, error)
	// QueryNextTriggers 查询 nextFireTime <= until 的启用触发器，按 nextFireTime 升序。
	QueryNextTriggers(ctx context.Context, namespace string, until time.Time, limit int) ([]model.Trigger, error)
	GetTriggerFireCount(ctx context.Context, namespace string, id int64) (int64, error)
	// UpdateFireTime 更新 last/next 并使 fireCount+1，返回是否命中行。
	UpdateFireTime(ctx context.Context, namespace string, id int64, last, next *time.Time) (bool, error)
	UpdateNextFireTime(ctx context.Context, namespace string, id int64, next *time.Time) error
}

// InstanceStore 调度器实例注册与心跳。
type InstanceStore interface {
	// UpsertInstance 插入或更新实例行，LastHeartbeatTime 取 ins 中的值。
	UpsertInstance(ctx context.Context, ins *model.SchedulerInstance) error
	ListInstances(ctx context.Context, namespace string) ([]model.SchedulerInstance, error)
	DeleteInstance(ctx context.Context, namespace, instanceName string) error
}

// CmdStore 调度器指令队列。
type CmdStore interface {
	AddCmd(ctx context.Context, cmd *model.SchedulerCmd) error
	GetCmd(ctx context.Context, id int64) (*model.SchedulerCmd, error)
	// PendingCmds 查询发给 instanceName 或广播的待处理指令。
	PendingCmds(ctx context.Context, namespace, instanceName string) ([]model.SchedulerCmd, error)
	// CasCmdState 乐观锁更新 state：仅当当前为 from 时改为 to。
	CasCmdState(ctx context.Context, id int64, from, to int) (bool, error)
	// StaleCmds 已领取但在 before 之前未完成的指令。
	StaleCmds(ctx context.Context, namespace string, before time.Time) ([]model.SchedulerCmd, error)
	// ClearCmds 删除 before 之前已完成的指令。
	ClearCmds(ctx context.Context, namespace string, before time.Time) (int64, error)
}

// LogStore 只追加的审计日志。
type LogStore interface {
	AddTriggerLog(ctx context.Context, l *model.TriggerLog) error
	AddJobLog(ctx context.Context, l *model.JobLog) error
	AddConsoleLogs(ctx context.Context, logs []model.ConsoleLog) error
	AddEventLog(ctx context.Context, l *model.SchedulerEventLog) error

	ListTriggerLogs(ctx context.Context, namespace string, jobID int64, limit int) ([]model.TriggerLog, error)
	ListJobLogs(ctx context.Context, namespace string, jobID int64, limit int) ([]model.JobLog, error)
	ListConsoleLogs(ctx context.Context, namespace string, jobLogID int64) ([]model.ConsoleLog, error)
	ListEventLogs(ctx context.Context, namespace, eventName string, limit int) ([]model.SchedulerEventLog, error)
	LastEventTime(ctx context.Context, namespace, eventName string) (*time.Time, error)
	// ClearLogs 删除 before 之前的日志，返回各表删除数量。
	ClearLogs(ctx context.Context, namespace string, before time.Time) (ClearResult, error)
}

// ClearResult 日志清理统计。
type ClearResult struct {
	JobLogs     int64
	TriggerLogs int64
	EventLogs   int64
	ConsoleLogs int64
}

// ReportStore 执行报表。
type ReportStore interface {
	MinFireTime(ctx context.Context, namespace string) (*time.Time, error)
	LastReportDay(ctx context.Context, namespace string) (string, error)
	// BuildReport 统计 [day, day+24h) 内的触发与执行数据。
	BuildReport(ctx context.Context, namespace string, day time.Time) (model.JobReport, error)
	SaveReports(ctx context.Context, reports []model.JobReport) (int64, error)
}

// LockStore 行锁（可重入计数锁）所需的原子操作。
type LockStore interface {
	// AcquireRowLock 单条带条件的 update：计数为 0、同一 owner 或租约过期时成功。
	AcquireRowLock(ctx context.Context, name, owner string, staleBefore time.Time) (bool, error)
	// ReleaseRowLock 计数减一，仅当 owner 匹配且计数大于 0；返回是否命中。
	ReleaseRowLock(ctx context.Context, name, owner string) (bool, error)
	// RenewRowLock 持有期间刷新 updated_at，仅当 owner 匹配且计数大于 0；返回是否命中。
	RenewRowLock(ctx context.Context, name, owner string) (bool, error)
}

// Store 调度器消费的完整存储契约。
type Store interface {
	JobStore
	TriggerStore
	InstanceStore
	CmdStore
	LogStore
	ReportStore
	LockStore

	// InTx 在事务中执行 fn，fn 返回错误时回滚。
	InTx(ctx context.Context, fn func(tx Store) error) error
	// ReadOnly 在只读事务中执行 fn。
	ReadOnly(ctx context.Context, fn func(tx Store) error) error
}

// DayFormat 报表日期格式。
const DayFormat = "2006-01-02"
