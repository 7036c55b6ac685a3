package trigger

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mengeric/taskmesh-go/model"
)

type snapshot struct {
	until time.Time
	items []model.Trigger
}

// Window 预加载窗口：保存 NextFireTime 落在 [.., until] 内的触发器。
// 说明：Reload 整体替换快照（原子发布），Drop 在互斥锁内移除已处理的条目。
type Window struct {
	cur     atomic.Pointer[snapshot]
	mu      sync.Mutex
	dropped map[int64]time.Time // id -> 被移除时的 NextFireTime
}

// NewWindow 构造空窗口。
func NewWindow() *Window {
	w := &Window{dropped: map[int64]time.Time{}}
	w.cur.Store(&snapshot{})
	return w
}

// Reload 以查询结果替换窗口内容，按 NextFireTime 升序排列。
func (w *Window) Reload(until time.Time, list []model.Trigger) {
	items := make([]model.Trigger, 0, len(list))
	for _, tr := range list {
		if tr.NextFireTime != nil && !tr.NextFireTime.After(until) {
			items = append(items, tr)
		}
	}
	sort.SliceStable(items, func(i, k int) bool {
		a, b := items[i].NextFireTime, items[k].NextFireTime
		if a.Equal(*b) {
			return items[i].ID < items[k].ID
		}
		return a.Before(*b)
	})
	present := make(map[int64]time.Time, len(items))
	for _, tr := range items {
		present[tr.ID] = *tr.NextFireTime
	}
	w.mu.Lock()
	// NextFireTime 已推进或已离开窗口的条目不再视为已移除
	for id, at := range w.dropped {
		if next, ok := present[id]; !ok || !next.Equal(at) {
			delete(w.dropped, id)
		}
	}
	w.mu.Unlock()
	w.cur.Store(&snapshot{until: until, items: items})
}

// Due 返回 NextFireTime <= now 且未被移除的条目，按 NextFireTime 升序。
func (w *Window) Due(now time.Time) []model.Trigger {
	snap := w.cur.Load()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.Trigger, 0)
	for _, tr := range snap.items {
		if tr.NextFireTime.After(now) {
			break
		}
		if at, ok := w.dropped[tr.ID]; ok && tr.NextFireTime.Equal(at) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Drop 移除已触发或已结束的条目，直到下次 Reload 带来新的 NextFireTime。
func (w *Window) Drop(tr model.Trigger) {
	if tr.NextFireTime == nil {
		return
	}
	w.mu.Lock()
	w.dropped[tr.ID] = *tr.NextFireTime
	w.mu.Unlock()
}

// Len 当前快照条目数。
func (w *Window) Len() int { return len(w.cur.Load().items) }

// Until 当前快照覆盖到的时间点。
func (w *Window) Until() time.Time { return w.cur.Load().until }
