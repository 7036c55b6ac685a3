package gormstore

import (
	"context"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertInstance 按 (namespace, instance_name) 插入或更新实例行。
func (s *Store) UpsertInstance(ctx context.Context, ins *model.SchedulerInstance) error {
	po := instancePO{
		Namespace:         ins.Namespace,
		InstanceName:      ins.InstanceName,
		LastHeartbeatTime: ins.LastHeartbeatTime,
		HeartbeatInterval: ins.HeartbeatInterval,
		Config:            datatypes.NewJSONType(ins.Config),
		RuntimeInfo:       datatypes.NewJSONType(ins.RuntimeInfo),
		State:             ins.State,
		Description:       ins.Description,
	}
	var row instancePO
	err := s.q(ctx).Where("namespace = ? AND instance_name = ?", ins.Namespace, ins.InstanceName).
		Attrs(instancePO{ID: model.NextID()}).
		Assign(po).
		FirstOrCreate(&row).Error
	if err != nil {
		return err
	}
	ins.ID = row.ID
	return nil
}

func (s *Store) ListInstances(ctx context.Context, namespace string) ([]model.SchedulerInstance, error) {
	var list []instancePO
	if err := s.q(ctx).Where("namespace = ?", namespace).Order("instance_name").Find(&list).Error; err != nil {
		return nil, err
	}
	out := make([]model.SchedulerInstance, 0, len(list))
	for _, m := range list {
		out = append(out, model.SchedulerInstance{
			ID: m.ID, Namespace: m.Namespace, InstanceName: m.InstanceName, LastHeartbeatTime: m.LastHeartbeatTime,
			HeartbeatInterval: m.HeartbeatInterval, Config: m.Config.Data(), RuntimeInfo: m.RuntimeInfo.Data(),
			State: m.State, Description: m.Description,
		})
	}
	return out, nil
}

func (s *Store) DeleteInstance(ctx context.Context, namespace, instanceName string) error {
	return s.q(ctx).Where("namespace = ? AND instance_name = ?", namespace, instanceName).Delete(&instancePO{}).Error
}

func (s *Store) AddCmd(ctx context.Context, cmd *model.SchedulerCmd) error {
	if cmd.ID == 0 {
		cmd.ID = model.NextID()
	}
	m := cmdPO{ID: cmd.ID, Namespace: cmd.Namespace, InstanceName: cmd.InstanceName,
		CmdInfo: datatypes.NewJSONType(cmd.CmdInfo), State: cmd.State}
	if err := s.q(ctx).Create(&m).Error; err != nil {
		return err
	}
	cmd.CreatedAt, cmd.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

func (s *Store) GetCmd(ctx context.Context, id int64) (*model.SchedulerCmd, error) {
	var m cmdPO
	if err := s.q(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return fromCmdPO(m), nil
}

func (s *Store) PendingCmds(ctx context.Context, namespace, instanceName string) ([]model.SchedulerCmd, error) {
	var list []cmdPO
	err := s.q(ctx).Where("namespace = ? AND state = ? AND (instance_name = '' OR instance_name = ?)",
		namespace, model.CmdPending, instanceName).Order("id").Find(&list).Error
	if err != nil {
		return nil, err
	}
	return fromCmdPOs(list), nil
}

// CasCmdState 单条带条件 update，RowsAffected 即是否抢到。
func (s *Store) CasCmdState(ctx context.Context, id int64, from, to int) (bool, error) {
	res := s.q(ctx).Model(&cmdPO{}).Where("id = ? AND state = ?", id, from).
		Updates(map[string]any{"state": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) StaleCmds(ctx context.Context, namespace string, before time.Time) ([]model.SchedulerCmd, error) {
	var list []cmdPO
	err := s.q(ctx).Where("namespace = ? AND state = ? AND updated_at < ?", namespace, model.CmdClaimed, before).
		Order("id").Find(&list).Error
	if err != nil {
		return nil, err
	}
	return fromCmdPOs(list), nil
}

func (s *Store) ClearCmds(ctx context.Context, namespace string, before time.Time) (int64, error) {
	res := s.q(ctx).Where("namespace = ? AND state = ? AND updated_at < ?", namespace, model.CmdDone, before).
		Delete(&cmdPO{})
	return res.RowsAffected, res.Error
}

func fromCmdPOs(list []cmdPO) []model.SchedulerCmd {
	out := make([]model.SchedulerCmd, 0, len(list))
	for _, m := range list {
		out = append(out, *fromCmdPO(m))
	}
	return out
}

func fromCmdPO(m cmdPO) *model.SchedulerCmd {
	return &model.SchedulerCmd{ID: m.ID, Namespace: m.Namespace, InstanceName: m.InstanceName,
		CmdInfo: m.CmdInfo.Data(), State: m.State, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

// AcquireRowLock 可重入计数锁：计数为 0、同一 owner 或租约过期时由单条 update 抢占。
// 行不存在时先插入空行（冲突忽略）再重试一次。
func (s *Store) AcquireRowLock(ctx context.Context, name, owner string, staleBefore time.Time) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res := s.q(ctx).Model(&lockPO{}).
			Where("lock_name = ? AND (lock_count = 0 OR owner = ? OR updated_at < ?)", name, owner, staleBefore).
			Updates(map[string]any{
				"lock_count": gorm.Expr("CASE WHEN owner = ? THEN lock_count + 1 ELSE 1 END", owner),
				"owner":      owner,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected > 0 {
			return true, nil
		}
		var n int64
		if err := s.q(ctx).Model(&lockPO{}).Where("lock_name = ?", name).Count(&n).Error; err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
		row := lockPO{LockName: name, UpdatedAt: time.Now()}
		if err := s.q(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Store) ReleaseRowLock(ctx context.Context, name, owner string) (bool, error) {
	res := s.q(ctx).Model(&lockPO{}).Where("lock_name = ? AND owner = ? AND lock_count > 0", name, owner).
		Updates(map[string]any{"lock_count": gorm.Expr("lock_count - 1"), "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) RenewRowLock(ctx context.Context, name, owner string) (bool, error) {
	res := s.q(ctx).Model(&lockPO{}).Where("lock_name = ? AND owner = ? AND lock_count > 0", name, owner).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TouchLock 写入锁诊断行（原生锁持有期间供运维查看）。
func (s *Store) TouchLock(ctx context.Context, name, owner string, count int64) error {
	row := lockPO{LockName: name, LockCount: count, Owner: owner, UpdatedAt: time.Now()}
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lock_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"lock_count", "owner", "updated_at"}),
	}).Create(&row).Error
}

// GetLock 读取锁行。
func (s *Store) GetLock(ctx context.Context, name string) (*model.SchedulerLock, error) {
	var m lockPO
	if err := s.q(ctx).Where("lock_name = ?", name).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &model.SchedulerLock{LockName: m.LockName, LockCount: m.LockCount, Owner: m.Owner, UpdatedAt: m.UpdatedAt}, nil
}

var _ storage.LockStore = (*Store)(nil)
