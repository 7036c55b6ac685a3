package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
)

// Store 是一个线程安全的内存实现，仅用于开发/单机场景与测试。
// 注意：InTx/ReadOnly 不提供隔离与回滚，每个方法各自加锁保证原子性。
type Store struct {
	mu sync.RWMutex

	jobs      map[int64]*model.Job
	httpJobs  map[int64]*model.HTTPJob
	funcJobs  map[int64]*model.FuncJob
	scripts   map[int64]*model.ScriptJob
	shells    map[int64]*model.ShellJob
	triggers  map[int64]*model.Trigger
	instances map[string]*model.SchedulerInstance // namespace/instanceName
	cmds      map[int64]*model.SchedulerCmd
	locks     map[string]*model.SchedulerLock
	reports   map[string]*model.JobReport // namespace/day

	triggerLogs []model.TriggerLog
	jobLogs     []model.JobLog
	consoleLogs []model.ConsoleLog
	eventLogs   []model.SchedulerEventLog

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New 创建内存存储。
func New() *Store {
	return &Store{
		jobs:      map[int64]*model.Job{},
		httpJobs:  map[int64]*model.HTTPJob{},
		funcJobs:  map[int64]*model.FuncJob{},
		scripts:   map[int64]*model.ScriptJob{},
		shells:    map[int64]*model.ShellJob{},
		triggers:  map[int64]*model.Trigger{},
		instances: map[string]*model.SchedulerInstance{},
		cmds:      map[int64]*model.SchedulerCmd{},
		locks:     map[string]*model.SchedulerLock{},
		reports:   map[string]*model.JobReport{},
		now:       time.Now,
	}
}

// SetClock 替换时钟（测试用）。
func (s *Store) SetClock(now func() time.Time) { s.mu.Lock(); defer s.mu.Unlock(); s.now = now }

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Store) error) error { return fn(s) }

func (s *Store) ReadOnly(ctx context.Context, fn func(tx storage.Store) error) error { return fn(s) }

// ---- job ----

func (s *Store) SaveJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == 0 {
		job.ID = model.NextID()
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	cp := *job
	cp.JobData = job.JobData.Clone()
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, namespace string, id int64) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok || j.Namespace != namespace {
		return nil, storage.ErrNotFound
	}
	cp := *j
	cp.JobData = j.JobData.Clone()
	return &cp, nil
}

func (s *Store) ListJobs(ctx context.Context, namespace string) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Namespace == namespace {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) DeleteJob(ctx context.Context, namespace string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Namespace != namespace {
		return storage.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.httpJobs, id)
	delete(s.funcJobs, id)
	delete(s.scripts, id)
	delete(s.shells, id)
	for tid, tr := range s.triggers {
		if tr.JobID == id {
			delete(s.triggers, tid)
		}
	}
	return nil
}

func (s *Store) GetJobRunCount(ctx context.Context, namespace string, id int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok || j.Namespace != namespace {
		return 0, storage.ErrNotFound
	}
	return j.RunCount, nil
}

func (s *Store) IncrJobRunCount(ctx context.Context, namespace string, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Namespace != namespace {
		return 0, storage.ErrNotFound
	}
	j.RunCount++
	return j.RunCount, nil
}

func (s *Store) UpdateJobData(ctx context.Context, namespace string, id int64, data model.JobData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Namespace != namespace {
		return storage.ErrNotFound
	}
	j.JobData = data.Clone()
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) SaveHTTPJob(ctx context.Context, p *model.HTTPJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.httpJobs[p.JobID] = &cp
	return nil
}

func (s *Store) GetHTTPJob(ctx context.Context, jobID int64) (*model.HTTPJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.httpJobs[jobID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SaveFuncJob(ctx context.Context, p *model.FuncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.funcJobs[p.JobID] = &cp
	return nil
}

func (s *Store) GetFuncJob(ctx context.Context, jobID int64) (*model.FuncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.funcJobs[jobID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SaveScriptJob(ctx context.Context, p *model.ScriptJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.scripts[p.JobID] = &cp
	return nil
}

func (s *Store) GetScriptJob(ctx context.Context, jobID int64) (*model.ScriptJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.scripts[jobID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) SaveShellJob(ctx context.Context, p *model.ShellJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.shells[p.JobID] = &cp
	return nil
}

func (s *Store) GetShellJob(ctx context.Context, jobID int64) (*model.ShellJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.shells[jobID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

// ---- trigger ----

func (s *Store) SaveTrigger(ctx context.Context, tr *model.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr.ID == 0 {
		tr.ID = model.NextID()
	}
	cp := *tr
	s.triggers[tr.ID] = &cp
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, namespace string, id int64) (*model.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.triggers[id]
	if !ok || tr.Namespace != namespace {
		return nil, storage.ErrNotFound
	}
	cp := *tr
	return &cp, nil
}

func (s *Store) ListTriggers(ctx context.Context, namespace string) ([]model.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trigger, 0, len(s.triggers))
	for _, tr := range s.triggers {
		if tr.Namespace == namespace {
			out = append(out, *tr)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) QueryNextTriggers(ctx context.Context, namespace string, until time.Time, limit int) ([]model.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trigger, 0)
	for _, tr := range s.triggers {
		if tr.Namespace != namespace || tr.Disable || tr.NextFireTime == nil || tr.NextFireTime.After(until) {
			continue
		}
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextFireTime.Equal(*out[k].NextFireTime) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextFireTime.Before(*out[k].NextFireTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetTriggerFireCount(ctx context.Context, namespace string, id int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.triggers[id]
	if !ok || tr.Namespace != namespace {
		return 0, storage.ErrNotFound
	}
	return tr.FireCount, nil
}

func (s *Store) UpdateFireTime(ctx context.Context, namespace string, id int64, last, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[id]
	if !ok || tr.Namespace != namespace {
		return false, nil
	}
	tr.LastFireTime = cloneTime(last)
	tr.NextFireTime = cloneTime(next)
	tr.FireCount++
	return true, nil
}

func (s *Store) UpdateNextFireTime(ctx context.Context, namespace string, id int64, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[id]
	if !ok || tr.Namespace != namespace {
		return storage.ErrNotFound
	}
	tr.NextFireTime = cloneTime(next)
	return nil
}

// ---- instance ----

func instanceKey(namespace, name string) string { return namespace + "/" + name }

func (s *Store) UpsertInstance(ctx context.Context, ins *model.SchedulerInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey(ins.Namespace, ins.InstanceName)
	cp := *ins
	if old, ok := s.instances[key]; ok {
		cp.ID = old.ID
	} else if cp.ID == 0 {
		cp.ID = model.NextID()
	}
	ins.ID = cp.ID
	s.instances[key] = &cp
	return nil
}

func (s *Store) ListInstances(ctx context.Context, namespace string) ([]model.SchedulerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SchedulerInstance, 0, len(s.instances))
	for _, ins := range s.instances {
		if ins.Namespace == namespace {
			out = append(out, *ins)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].InstanceName < out[k].InstanceName })
	return out, nil
}

func (s *Store) DeleteInstance(ctx context.Context, namespace, instanceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceKey(namespace, instanceName))
	return nil
}

// ---- cmd ----

func (s *Store) AddCmd(ctx context.Context, cmd *model.SchedulerCmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.ID == 0 {
		cmd.ID = model.NextID()
	}
	now := s.now()
	cmd.CreatedAt, cmd.UpdatedAt = now, now
	cp := *cmd
	s.cmds[cmd.ID] = &cp
	return nil
}

func (s *Store) GetCmd(ctx context.Context, id int64) (*model.SchedulerCmd, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.cmds[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) PendingCmds(ctx context.Context, namespace, instanceName string) ([]model.SchedulerCmd, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SchedulerCmd, 0)
	for _, c := range s.cmds {
		if c.Namespace != namespace || c.State != model.CmdPending {
			continue
		}
		if c.InstanceName != "" && c.InstanceName != instanceName {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) CasCmdState(ctx context.Context, id int64, from, to int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cmds[id]
	if !ok || c.State != from {
		return false, nil
	}
	c.State = to
	c.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) StaleCmds(ctx context.Context, namespace string, before time.Time) ([]model.SchedulerCmd, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SchedulerCmd, 0)
	for _, c := range s.cmds {
		if c.Namespace == namespace && c.State == model.CmdClaimed && c.UpdatedAt.Before(before) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) ClearCmds(ctx context.Context, namespace string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.cmds {
		if c.Namespace == namespace && c.State == model.CmdDone && c.UpdatedAt.Before(before) {
			delete(s.cmds, id)
			n++
		}
	}
	return n, nil
}

// ---- logs ----

func (s *Store) AddTriggerLog(ctx context.Context, l *model.TriggerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		l.ID = model.NextID()
	}
	s.triggerLogs = append(s.triggerLogs, *l)
	return nil
}

func (s *Store) AddJobLog(ctx context.Context, l *model.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		l.ID = model.NextID()
	}
	s.jobLogs = append(s.jobLogs, *l)
	return nil
}

func (s *Store) AddConsoleLogs(ctx context.Context, logs []model.ConsoleLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		if l.ID == 0 {
			l.ID = model.NextID()
		}
		s.consoleLogs = append(s.consoleLogs, l)
	}
	return nil
}

func (s *Store) AddEventLog(ctx context.Context, l *model.SchedulerEventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		l.ID = model.NextID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.eventLogs = append(s.eventLogs, *l)
	return nil
}

func (s *Store) ListTriggerLogs(ctx context.Context, namespace string, jobID int64, limit int) ([]model.TriggerLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TriggerLog, 0)
	for i := len(s.triggerLogs) - 1; i >= 0; i-- {
		l := s.triggerLogs[i]
		if l.Namespace == namespace && (jobID == 0 || l.JobID == jobID) {
			out = append(out, l)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListJobLogs(ctx context.Context, namespace string, jobID int64, limit int) ([]model.JobLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.JobLog, 0)
	for i := len(s.jobLogs) - 1; i >= 0; i-- {
		l := s.jobLogs[i]
		if l.Namespace == namespace && (jobID == 0 || l.JobID == jobID) {
			out = append(out, l)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListConsoleLogs(ctx context.Context, namespace string, jobLogID int64) ([]model.ConsoleLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConsoleLog, 0)
	for _, l := range s.consoleLogs {
		if l.Namespace == namespace && l.JobLogID == jobLogID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].LineNum < out[k].LineNum })
	return out, nil
}

func (s *Store) ListEventLogs(ctx context.Context, namespace, eventName string, limit int) ([]model.SchedulerEventLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SchedulerEventLog, 0)
	for i := len(s.eventLogs) - 1; i >= 0; i-- {
		l := s.eventLogs[i]
		if l.Namespace == namespace && (eventName == "" || l.EventName == eventName) {
			out = append(out, l)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) LastEventTime(ctx context.Context, namespace, eventName string) (*time.Time, error) {
	list, _ := s.ListEventLogs(ctx, namespace, eventName, 1)
	if len(list) == 0 {
		return nil, nil
	}
	t := list[0].CreatedAt
	return &t, nil
}

func (s *Store) ClearLogs(ctx context.Context, namespace string, before time.Time) (storage.ClearResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res storage.ClearResult
	jl := s.jobLogs[:0]
	for _, l := range s.jobLogs {
		if l.Namespace == namespace && l.FireTime.Before(before) {
			res.JobLogs++
			continue
		}
		jl = append(jl, l)
	}
	s.jobLogs = jl
	tl := s.triggerLogs[:0]
	for _, l := range s.triggerLogs {
		if l.Namespace == namespace && l.FireTime.Before(before) {
			res.TriggerLogs++
			continue
		}
		tl = append(tl, l)
	}
	s.triggerLogs = tl
	el := s.eventLogs[:0]
	for _, l := range s.eventLogs {
		if l.Namespace == namespace && l.CreatedAt.Before(before) {
			res.EventLogs++
			continue
		}
		el = append(el, l)
	}
	s.eventLogs = el
	cl := s.consoleLogs[:0]
	for _, l := range s.consoleLogs {
		if l.Namespace == namespace && l.CreatedAt.Before(before) {
			res.ConsoleLogs++
			continue
		}
		cl = append(cl, l)
	}
	s.consoleLogs = cl
	return res, nil
}

// ---- report ----

func (s *Store) MinFireTime(ctx context.Context, namespace string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest *time.Time
	for _, l := range s.triggerLogs {
		if l.Namespace != namespace {
			continue
		}
		if earliest == nil || l.FireTime.Before(*earliest) {
			t := l.FireTime
			earliest = &t
		}
	}
	return earliest, nil
}

func (s *Store) LastReportDay(ctx context.Context, namespace string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := ""
	for _, r := range s.reports {
		if r.Namespace == namespace && r.ReportDay > last {
			last = r.ReportDay
		}
	}
	return last, nil
}

func (s *Store) BuildReport(ctx context.Context, namespace string, day time.Time) (model.JobReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := day.Add(24 * time.Hour)
	r := model.JobReport{Namespace: namespace, ReportDay: day.Format(storage.DayFormat)}
	in := func(t time.Time) bool { return !t.Before(day) && t.Before(end) }
	for _, l := range s.jobLogs {
		if l.Namespace == namespace && in(l.FireTime) {
			r.JobCount++
			if l.Status == model.JobLogFailed {
				r.JobErrCount++
			}
		}
	}
	for _, l := range s.triggerLogs {
		if l.Namespace == namespace && in(l.FireTime) {
			r.TriggerCount++
			if l.MisFired {
				r.MisfireCount++
			}
		}
	}
	return r, nil
}

func (s *Store) SaveReports(ctx context.Context, reports []model.JobReport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reports {
		key := instanceKey(r.Namespace, r.ReportDay)
		if old, ok := s.reports[key]; ok {
			r.ID = old.ID
		} else if r.ID == 0 {
			r.ID = model.NextID()
		}
		cp := r
		s.reports[key] = &cp
	}
	return int64(len(reports)), nil
}

// Reports 返回某命名空间的全部报表（测试/运维查看）。
func (s *Store) Reports(namespace string) []model.JobReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.JobReport, 0)
	for _, r := range s.reports {
		if r.Namespace == namespace {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ReportDay < out[k].ReportDay })
	return out
}

// ---- row lock ----

func (s *Store) AcquireRowLock(ctx context.Context, name, owner string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.locks[name]
	if !ok {
		s.locks[name] = &model.SchedulerLock{LockName: name, LockCount: 1, Owner: owner, UpdatedAt: now}
		return true, nil
	}
	switch {
	case l.Owner == owner:
		l.LockCount++
	case l.LockCount == 0 || l.UpdatedAt.Before(staleBefore):
		l.LockCount = 1
		l.Owner = owner
	default:
		return false, nil
	}
	l.UpdatedAt = now
	return true, nil
}

func (s *Store) ReleaseRowLock(ctx context.Context, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok || l.Owner != owner || l.LockCount <= 0 {
		return false, nil
	}
	l.LockCount--
	l.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) RenewRowLock(ctx context.Context, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok || l.Owner != owner || l.LockCount <= 0 {
		return false, nil
	}
	l.UpdatedAt = s.now()
	return true, nil
}

// Lock 返回锁行快照（诊断用）。
func (s *Store) Lock(name string) (model.SchedulerLock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[name]
	if !ok {
		return model.SchedulerLock{}, false
	}
	return *l, true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
