// Package trigger 计算触发器的下次触发时间，并维护时钟循环使用的预加载窗口。
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/robfig/cron/v3"
)

// Parser cron 解析器：秒字段可选，支持 ? 与 @every/@daily 描述符。
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrBadTrigger 触发器配置不合法（类型未知、间隔非正等）。
var ErrBadTrigger = errors.New("trigger: invalid configuration")

// ValidateCron 校验 cron 表达式。
func ValidateCron(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return nil
}

// NextTimes 返回 from 之后的 n 次触发时间；表达式没有未来触发时提前结束。
func NextTimes(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// FirstFireTime 为尚无 NextFireTime 的触发器校准首次触发时间。
// 基准取 max(LastFireTime, StartTime)：cron 取基准之后的第一次；固定间隔从未触发时取 StartTime，否则基准+间隔。
func FirstFireTime(tr *model.Trigger) (*time.Time, error) {
	base := tr.StartTime
	if tr.LastFireTime != nil && tr.LastFireTime.After(base) {
		base = *tr.LastFireTime
	}
	var next time.Time
	switch tr.Type {
	case model.TriggerCron:
		sched, err := Parser.Parse(tr.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", tr.Cron, err)
		}
		next = sched.Next(base)
	case model.TriggerFixed:
		if tr.FixedInterval <= 0 {
			return nil, fmt.Errorf("%w: fixed interval %d", ErrBadTrigger, tr.FixedInterval)
		}
		if tr.LastFireTime == nil {
			next = tr.StartTime
		} else {
			next = base.Add(time.Duration(tr.FixedInterval) * time.Second)
		}
	default:
		return nil, fmt.Errorf("%w: type %d", ErrBadTrigger, tr.Type)
	}
	return clip(tr, next), nil
}

// NextFireTime 计算严格晚于参考时刻的下次触发时间。
// 固定间隔：howLong = |now - next|，t = max(now, next) - howLong % interval + interval，
// 因此跳过的时间点不会被补放，并且结果与 next 保持相位对齐。
// 结果按秒截断；超过 EndTime 或 cron 再无触发时返回 nil。
func NextFireTime(tr *model.Trigger, now time.Time) (*time.Time, error) {
	var next time.Time
	switch tr.Type {
	case model.TriggerCron:
		sched, err := Parser.Parse(tr.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", tr.Cron, err)
		}
		ref := now
		if tr.NextFireTime != nil && tr.NextFireTime.After(ref) {
			ref = *tr.NextFireTime
		}
		next = sched.Next(ref)
	case model.TriggerFixed:
		if tr.FixedInterval <= 0 {
			return nil, fmt.Errorf("%w: fixed interval %d", ErrBadTrigger, tr.FixedInterval)
		}
		interval := time.Duration(tr.FixedInterval) * time.Second
		prev := now
		if tr.NextFireTime != nil {
			prev = *tr.NextFireTime
		} else if tr.LastFireTime != nil {
			prev = *tr.LastFireTime
		}
		howLong := now.Sub(prev)
		if howLong < 0 {
			howLong = -howLong
		}
		latest := now
		if prev.After(latest) {
			latest = prev
		}
		next = latest.Add(-(howLong % interval)).Add(interval)
	default:
		return nil, fmt.Errorf("%w: type %d", ErrBadTrigger, tr.Type)
	}
	return clip(tr, next), nil
}

// clip 截断到秒，并裁掉零值与超过 EndTime 的结果。
func clip(tr *model.Trigger, t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.Truncate(time.Second)
	if tr.EndTime != nil && t.After(*tr.EndTime) {
		return nil
	}
	return &t
}
