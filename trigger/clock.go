package trigger

import (
	"time"

	"github.com/mengeric/taskmesh-go/model"
)

// Status 触发器在某一时刻的状态。
type Status int

const (
	NotDue   Status = iota // 尚未到达 NextFireTime
	OnTime                 // 已到达且未超过一个 tick
	Misfired               // 超过 NextFireTime 一个 tick 以上
)

func (s Status) String() string {
	switch s {
	case NotDue:
		return "not_due"
	case OnTime:
		return "on_time"
	case Misfired:
		return "misfired"
	}
	return "unknown"
}

// Classify 判断触发器状态；NextFireTime 为空视为 NotDue。
func Classify(tr *model.Trigger, now time.Time, tick time.Duration) Status {
	if tr.NextFireTime == nil || now.Before(*tr.NextFireTime) {
		return NotDue
	}
	if now.Sub(*tr.NextFireTime) > tick {
		return Misfired
	}
	return OnTime
}

// Plan 一次到期处理的结果。
type Plan struct {
	Fire     bool       // 是否执行任务
	MisFired bool       // 是否属于错过触发
	Next     *time.Time // 新的 NextFireTime，nil 表示触发器已结束
}

// Decide 根据状态与错过触发策略决定本次是否执行以及新的下次触发时间。
// ignore：只推进 NextFireTime，不执行；compensate：立即执行一次并从 now 重新计算，不回放积压。
func Decide(tr *model.Trigger, now time.Time, tick time.Duration) (Plan, error) {
	st := Classify(tr, now, tick)
	if st == NotDue {
		return Plan{Next: tr.NextFireTime}, nil
	}
	next, err := NextFireTime(tr, now)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{Fire: true, Next: next}
	if st == Misfired {
		p.MisFired = true
		if tr.MisfireStrategy == model.MisfireIgnore {
			p.Fire = false
		}
	}
	return p, nil
}
