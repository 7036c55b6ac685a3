package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
)

// aliveFactor 心跳超过 aliveFactor 个周期未更新视为死亡。
const aliveFactor = 2

// LiveView 周期性刷新集群存活实例列表，是“谁还活着”的唯一来源。
type LiveView struct {
	store     storage.InstanceStore
	locker    lock.Locker
	namespace string
	interval  time.Duration
	running   atomic.Bool
	current   atomic.Value // []model.SchedulerInstance
	now       func() time.Time
}

// NewLiveView 构造实例。
// 参数：locker 为空时不剔除死节点。
func NewLiveView(store storage.InstanceStore, locker lock.Locker, namespace string, interval time.Duration) *LiveView {
	if interval <= 0 {
		interval = time.Second
	}
	v := &LiveView{store: store, locker: locker, namespace: namespace, interval: interval, now: time.Now}
	v.current.Store([]model.SchedulerInstance{})
	return v
}

// Refresh 查询实例表，发布心跳新鲜的实例（按实例名排序），并剔除已死亡的行。
func (v *LiveView) Refresh(ctx context.Context) ([]model.SchedulerInstance, error) {
	all, err := v.store.ListInstances(ctx, v.namespace)
	if err != nil {
		return v.Get(), err
	}
	now := v.now()
	live := make([]model.SchedulerInstance, 0, len(all))
	dead := 0
	for _, ins := range all {
		if ins.Alive(now, aliveFactor) {
			live = append(live, ins)
		} else {
			dead++
		}
	}
	sort.Slice(live, func(i, k int) bool { return live[i].InstanceName < live[k].InstanceName })
	v.current.Store(live)
	if dead > 0 && v.locker != nil {
		if _, err := v.Prune(ctx); err != nil {
			logging.L().Warn(ctx, "prune dead instances failed", "err", err)
		}
	}
	return live, nil
}

// Prune 在维护锁内删除心跳过期的实例行；锁被占用时直接返回。
// 返回：删除的行数。
func (v *LiveView) Prune(ctx context.Context) (int, error) {
	name := model.MaintainLockName(v.namespace, "prune_instances")
	n, _, err := lock.TryWith(ctx, v.locker, name, 0, func(ctx context.Context) (int, error) {
		all, err := v.store.ListInstances(ctx, v.namespace)
		if err != nil {
			return 0, err
		}
		now := v.now()
		n := 0
		for _, ins := range all {
			if ins.Alive(now, aliveFactor) {
				continue
			}
			if err := v.store.DeleteInstance(ctx, v.namespace, ins.InstanceName); err != nil {
				return n, err
			}
			logging.L().Info(ctx, "dead instance pruned", "instance", ins.InstanceName, "lastHeartbeat", ins.LastHeartbeatTime)
			n++
		}
		return n, nil
	})
	return n, err
}

// Get 返回最近一次发布的存活实例。
func (v *LiveView) Get() []model.SchedulerInstance {
	return v.current.Load().([]model.SchedulerInstance)
}

// Eligible 返回可领取任务的实例：存活且处于 running 状态（排除暂停与降级）。
func (v *LiveView) Eligible() []model.SchedulerInstance {
	all := v.Get()
	out := make([]model.SchedulerInstance, 0, len(all))
	for _, ins := range all {
		if ins.State == "" || ins.State == model.InstanceRunning {
			out = append(out, ins)
		}
	}
	return out
}

// Start 启动定时刷新。
func (v *LiveView) Start(ctx context.Context) {
	if v.running.Swap(true) {
		return
	}
	ticker := time.NewTicker(v.interval)
	go func() {
		defer v.running.Store(false)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := v.Refresh(ctx); err != nil {
					logging.L().Warn(ctx, "refresh live instances failed", "err", err)
				}
			}
		}
	}()
}
