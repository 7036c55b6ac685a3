package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) AddTriggerLog(ctx context.Context, l *model.TriggerLog) error {
	if l.ID == 0 {
		l.ID = model.NextID()
	}
	m := triggerLogPO(*l)
	return s.q(ctx).Create(&m).Error
}

func (s *Store) AddJobLog(ctx context.Context, l *model.JobLog) error {
	if l.ID == 0 {
		l.ID = model.NextID()
	}
	m := jobLogPO(*l)
	return s.q(ctx).Create(&m).Error
}

func (s *Store) AddConsoleLogs(ctx context.Context, logs []model.ConsoleLog) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([]consoleLogPO, 0, len(logs))
	for _, l := range logs {
		if l.ID == 0 {
			l.ID = model.NextID()
		}
		rows = append(rows, consoleLogPO(l))
	}
	return s.q(ctx).CreateInBatches(rows, 200).Error
}

func (s *Store) AddEventLog(ctx context.Context, l *model.SchedulerEventLog) error {
	if l.ID == 0 {
		l.ID = model.NextID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m := eventLogPO(*l)
	return s.q(ctx).Create(&m).Error
}

func (s *Store) ListTriggerLogs(ctx context.Context, namespace string, jobID int64, limit int) ([]model.TriggerLog, error) {
	var list []triggerLogPO
	db := s.q(ctx).Where("namespace = ?", namespace)
	if jobID != 0 {
		db = db.Where("job_id = ?", jobID)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Order("fire_time DESC, id DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	out := make([]model.TriggerLog, 0, len(list))
	for _, m := range list {
		out = append(out, model.TriggerLog(m))
	}
	return out, nil
}

func (s *Store) ListJobLogs(ctx context.Context, namespace string, jobID int64, limit int) ([]model.JobLog, error) {
	var list []jobLogPO
	db := s.q(ctx).Where("namespace = ?", namespace)
	if jobID != 0 {
		db = db.Where("job_id = ?", jobID)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Order("fire_time DESC, id DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	out := make([]model.JobLog, 0, len(list))
	for _, m := range list {
		out = append(out, model.JobLog(m))
	}
	return out, nil
}

func (s *Store) ListConsoleLogs(ctx context.Context, namespace string, jobLogID int64) ([]model.ConsoleLog, error) {
	var list []consoleLogPO
	err := s.q(ctx).Where("namespace = ? AND job_log_id = ?", namespace, jobLogID).Order("line_num, id").Find(&list).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.ConsoleLog, 0, len(list))
	for _, m := range list {
		out = append(out, model.ConsoleLog(m))
	}
	return out, nil
}

func (s *Store) ListEventLogs(ctx context.Context, namespace, eventName string, limit int) ([]model.SchedulerEventLog, error) {
	var list []eventLogPO
	db := s.q(ctx).Where("namespace = ?", namespace)
	if eventName != "" {
		db = db.Where("event_name = ?", eventName)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Order("created_at DESC, id DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	out := make([]model.SchedulerEventLog, 0, len(list))
	for _, m := range list {
		out = append(out, model.SchedulerEventLog(m))
	}
	return out, nil
}

func (s *Store) LastEventTime(ctx context.Context, namespace, eventName string) (*time.Time, error) {
	var m eventLogPO
	err := s.q(ctx).Where("namespace = ? AND event_name = ?", namespace, eventName).
		Order("created_at DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m.CreatedAt, nil
}

func (s *Store) ClearLogs(ctx context.Context, namespace string, before time.Time) (storage.ClearResult, error) {
	var res storage.ClearResult
	err := s.q(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Where("namespace = ? AND fire_time < ?", namespace, before).Delete(&jobLogPO{})
		if r.Error != nil {
			return r.Error
		}
		res.JobLogs = r.RowsAffected
		r = tx.Where("namespace = ? AND fire_time < ?", namespace, before).Delete(&triggerLogPO{})
		if r.Error != nil {
			return r.Error
		}
		res.TriggerLogs = r.RowsAffected
		r = tx.Where("namespace = ? AND created_at < ?", namespace, before).Delete(&eventLogPO{})
		if r.Error != nil {
			return r.Error
		}
		res.EventLogs = r.RowsAffected
		r = tx.Where("namespace = ? AND created_at < ?", namespace, before).Delete(&consoleLogPO{})
		if r.Error != nil {
			return r.Error
		}
		res.ConsoleLogs = r.RowsAffected
		return nil
	})
	return res, err
}

func (s *Store) MinFireTime(ctx context.Context, namespace string) (*time.Time, error) {
	var m triggerLogPO
	err := s.q(ctx).Select("fire_time").Where("namespace = ?", namespace).Order("fire_time").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m.FireTime, nil
}

func (s *Store) LastReportDay(ctx context.Context, namespace string) (string, error) {
	var m reportPO
	err := s.q(ctx).Select("report_day").Where("namespace = ?", namespace).Order("report_day DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return m.ReportDay, err
}

// BuildReport 统计 [day, day+24h) 的执行与触发数量。
func (s *Store) BuildReport(ctx context.Context, namespace string, day time.Time) (model.JobReport, error) {
	end := day.Add(24 * time.Hour)
	r := model.JobReport{Namespace: namespace, ReportDay: day.Format(storage.DayFormat)}
	jobs := s.q(ctx).Model(&jobLogPO{}).Where("namespace = ? AND fire_time >= ? AND fire_time < ?", namespace, day, end)
	if err := jobs.Count(&r.JobCount).Error; err != nil {
		return r, err
	}
	err := s.q(ctx).Model(&jobLogPO{}).
		Where("namespace = ? AND fire_time >= ? AND fire_time < ? AND status = ?", namespace, day, end, model.JobLogFailed).
		Count(&r.JobErrCount).Error
	if err != nil {
		return r, err
	}
	err = s.q(ctx).Model(&triggerLogPO{}).
		Where("namespace = ? AND fire_time >= ? AND fire_time < ?", namespace, day, end).
		Count(&r.TriggerCount).Error
	if err != nil {
		return r, err
	}
	err = s.q(ctx).Model(&triggerLogPO{}).
		Where("namespace = ? AND fire_time >= ? AND fire_time < ? AND mis_fired = ?", namespace, day, end, true).
		Count(&r.MisfireCount).Error
	return r, err
}

// SaveReports 以 (namespace, report_day) 冲突覆盖。
func (s *Store) SaveReports(ctx context.Context, reports []model.JobReport) (int64, error) {
	if len(reports) == 0 {
		return 0, nil
	}
	rows := make([]reportPO, 0, len(reports))
	for _, r := range reports {
		if r.ID == 0 {
			r.ID = model.NextID()
		}
		rows = append(rows, reportPO(r))
	}
	res := s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "report_day"}},
		DoUpdates: clause.AssignmentColumns([]string{"job_count", "job_err_count", "trigger_count", "misfire_count"}),
	}).Create(&rows)
	return int64(len(rows)), res.Error
}
