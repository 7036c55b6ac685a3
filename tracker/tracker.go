// Package tracker 记录本实例内正在执行的任务，用于重入控制与取消。
package tracker

import (
	"context"
	"sync"
)

// Run 一次正在执行的任务。
type Run struct {
	JobID    int64
	JobLogID int64
	Ctx      context.Context
	Cancel   context.CancelFunc
}

// Manager 按任务 ID 维护在途执行。
type Manager struct {
	mu      sync.RWMutex
	running map[int64]map[int64]*Run // jobID -> jobLogID -> run
}

// NewManager 构造。
func NewManager() *Manager { return &Manager{running: map[int64]map[int64]*Run{}} }

// Enter 若该任务在途数量未超过 maxReentry 则登记一次执行。
// 参数：maxReentry<=0 表示不允许重入，即在途为 0 时才可进入。
// 返回：登记后的 Run（调用方执行完毕需调用 Leave）；超过上限时返回 nil 与当前在途数量。
func (m *Manager) Enter(parent context.Context, jobID, jobLogID int64, maxReentry int) (*Run, int) {
	if maxReentry < 0 {
		maxReentry = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.running[jobID]
	if len(runs) > maxReentry {
		return nil, len(runs)
	}
	if runs == nil {
		runs = map[int64]*Run{}
		m.running[jobID] = runs
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Run{JobID: jobID, JobLogID: jobLogID, Ctx: ctx, Cancel: cancel}
	runs[jobLogID] = r
	return r, len(runs)
}

// Leave 注销一次执行。
func (m *Manager) Leave(r *Run) {
	if r == nil {
		return
	}
	r.Cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.running[r.JobID]
	delete(runs, r.JobLogID)
	if len(runs) == 0 {
		delete(m.running, r.JobID)
	}
}

// Count 某任务当前在途数量。
func (m *Manager) Count(jobID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running[jobID])
}

// Total 全部在途数量（心跳上报 RunningJobs）。
func (m *Manager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, runs := range m.running {
		n += len(runs)
	}
	return n
}

// Stop 取消某任务的全部在途执行。
func (m *Manager) Stop(jobID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs, ok := m.running[jobID]
	for _, r := range runs {
		r.Cancel()
	}
	return ok
}

// ListIDs 返回当前有在途执行的任务 ID。
func (m *Manager) ListIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}
