package gormstore

import (
	"context"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"gorm.io/gorm"
)

func (s *Store) SaveTrigger(ctx context.Context, tr *model.Trigger) error {
	if tr.ID == 0 {
		tr.ID = model.NextID()
	}
	m := toTriggerPO(tr)
	return s.q(ctx).Save(&m).Error
}

func (s *Store) GetTrigger(ctx context.Context, namespace string, id int64) (*model.Trigger, error) {
	var m triggerPO
	if err := s.q(ctx).Where("namespace = ? AND id = ?", namespace, id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return fromTriggerPO(m), nil
}

func (s *Store) ListTriggers(ctx context.Context, namespace string) ([]model.Trigger, error) {
	var list []triggerPO
	if err := s.q(ctx).Where("namespace = ?", namespace).Order("id").Find(&list).Error; err != nil {
		return nil, err
	}
	return fromTriggerPOs(list), nil
}

func (s *Store) QueryNextTriggers(ctx context.Context, namespace string, until time.Time, limit int) ([]model.Trigger, error) {
	var list []triggerPO
	db := s.q(ctx).Where("namespace = ? AND disable = ? AND next_fire_time IS NOT NULL AND next_fire_time <= ?",
		namespace, false, until).Order("next_fire_time, id")
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Find(&list).Error; err != nil {
		return nil, err
	}
	return fromTriggerPOs(list), nil
}

func (s *Store) GetTriggerFireCount(ctx context.Context, namespace string, id int64) (int64, error) {
	var m triggerPO
	err := s.q(ctx).Select("fire_count").Where("namespace = ? AND id = ?", namespace, id).First(&m).Error
	if err != nil {
		return 0, notFound(err)
	}
	return m.FireCount, nil
}

func (s *Store) UpdateFireTime(ctx context.Context, namespace string, id int64, last, next *time.Time) (bool, error) {
	res := s.q(ctx).Model(&triggerPO{}).Where("namespace = ? AND id = ?", namespace, id).Updates(map[string]any{
		"last_fire_time": last,
		"next_fire_time": next,
		"fire_count":     gorm.Expr("fire_count + 1"),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) UpdateNextFireTime(ctx context.Context, namespace string, id int64, next *time.Time) error {
	res := s.q(ctx).Model(&triggerPO{}).Where("namespace = ? AND id = ?", namespace, id).
		Update("next_fire_time", next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func toTriggerPO(t *model.Trigger) triggerPO {
	return triggerPO{
		ID: t.ID, Namespace: t.Namespace, JobID: t.JobID, Name: t.Name, StartTime: t.StartTime, EndTime: t.EndTime,
		LastFireTime: t.LastFireTime, NextFireTime: t.NextFireTime, MisfireStrategy: t.MisfireStrategy,
		AllowConcurrent: t.AllowConcurrent, Type: t.Type, Cron: t.Cron, FixedInterval: t.FixedInterval,
		FireCount: t.FireCount, Disable: t.Disable, Description: t.Description,
	}
}

func fromTriggerPOs(list []triggerPO) []model.Trigger {
	out := make([]model.Trigger, 0, len(list))
	for _, m := range list {
		out = append(out, *fromTriggerPO(m))
	}
	return out
}

func fromTriggerPO(m triggerPO) *model.Trigger {
	return &model.Trigger{
		ID: m.ID, Namespace: m.Namespace, JobID: m.JobID, Name: m.Name, StartTime: m.StartTime, EndTime: m.EndTime,
		LastFireTime: m.LastFireTime, NextFireTime: m.NextFireTime, MisfireStrategy: m.MisfireStrategy,
		AllowConcurrent: m.AllowConcurrent, Type: m.Type, Cron: m.Cron, FixedInterval: m.FixedInterval,
		FireCount: m.FireCount, Disable: m.Disable, Description: m.Description,
	}
}
