// Package lock 提供跨实例的分布式互斥锁。
// 说明：三种实现共享同一契约 Locker：Native（数据库会话级咨询锁）、Row（锁表计数行）与 Redis（SET NX + Lua 释放）。
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired 阻塞加锁未能拿到锁（例如数据库返回 NULL）。
var ErrNotAcquired = errors.New("lock: not acquired")

// Body 临界区函数，ctx 中携带持有者标识，嵌套加锁时可重入（Row 实现）。
type Body func(ctx context.Context) error

// Locker 分布式锁契约。
// 功能：Lock 阻塞直到获取锁或 ctx 结束；TryLock 在 timeout 内尝试，未获取时返回 (false, nil)。
// 注意：body 返回（包括 panic）后锁一定被释放，panic 会在释放后继续向上抛出。
type Locker interface {
	Lock(ctx context.Context, name string, body Body) error
	TryLock(ctx context.Context, name string, timeout time.Duration, body Body) (bool, error)
}

// With 在锁内执行 body 并返回其结果。
func With[T any](ctx context.Context, l Locker, name string, body func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Lock(ctx, name, func(ctx context.Context) error {
		v, err := body(ctx)
		out = v
		return err
	})
	return out, err
}

// TryWith 尝试加锁并执行 body；未获取锁时 acquired=false，body 不执行。
func TryWith[T any](ctx context.Context, l Locker, name string, timeout time.Duration, body func(ctx context.Context) (T, error)) (T, bool, error) {
	var out T
	ok, err := l.TryLock(ctx, name, timeout, func(ctx context.Context) error {
		v, err := body(ctx)
		out = v
		return err
	})
	return out, ok, err
}

type ownerKey struct{}

// WithOwner 将持有者标识写入 Context，同一标识对 Row 锁可重入。
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom 读取 Context 中的持有者标识。
func OwnerFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerKey{}).(string)
	return v, ok && v != ""
}

// ownerOf 取已有持有者，没有则生成新的 UUID 并写回 Context。
func ownerOf(ctx context.Context) (context.Context, string) {
	if o, ok := OwnerFrom(ctx); ok {
		return ctx, o
	}
	o := uuid.NewString()
	return WithOwner(ctx, o), o
}

// Backoff 指数退避：从 Initial 开始每次翻倍，不超过 Max。
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	cur     time.Duration
}

// NewBackoff 默认 50ms 起步、1s 封顶。
func NewBackoff() *Backoff { return &Backoff{Initial: 50 * time.Millisecond, Max: time.Second} }

// Next 返回本次等待时长。
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Initial
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return d
}

// Reset 回到初始间隔。
func (b *Backoff) Reset() { b.cur = 0 }

// sleep 等待 d 或 ctx 结束。
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// poll 在 deadline 前反复调用 try，直到成功、出错或超时。
// timeout<=0 时只尝试一次。
func poll(ctx context.Context, timeout time.Duration, try func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	bo := NewBackoff()
	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false, nil
		}
		wait := bo.Next()
		if wait > left {
			wait = left
		}
		if err := sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// releaseCtx 释放锁使用的 Context：不随调用方取消，但保留其中的值。
func releaseCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
