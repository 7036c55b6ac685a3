package lock

import (
	"context"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/storage"
)

// Row 基于锁表计数行的可重入锁。
// 说明：lock_count/owner 即锁本身；持有期间每 lease/3 刷新一次 updated_at，
// 超过 lease 未刷新的行视为持有者崩溃，可被抢占。
type Row struct {
	store storage.LockStore
	lease time.Duration
}

// NewRow 构造行锁。
func NewRow(store storage.LockStore, lease time.Duration) *Row {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Row{store: store, lease: lease}
}

func (r *Row) acquire(ctx context.Context, name, owner string) (bool, error) {
	return r.store.AcquireRowLock(ctx, name, owner, time.Now().Add(-r.lease))
}

func (r *Row) release(ctx context.Context, name, owner string) {
	rctx, cancel := releaseCtx(ctx)
	defer cancel()
	ok, err := r.store.ReleaseRowLock(rctx, name, owner)
	if err != nil {
		logging.L().Error(ctx, "release row lock failed", "lock", name, "owner", owner, "err", err)
		return
	}
	if !ok {
		logging.L().Warn(ctx, "row lock over-released", "lock", name, "owner", owner)
	}
}

// hold 执行 body，期间后台续租；返回前释放。
func (r *Row) hold(ctx context.Context, name, owner string, body Body) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.lease / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ok, err := r.store.RenewRowLock(context.WithoutCancel(ctx), name, owner)
				if err != nil {
					logging.L().Warn(ctx, "renew row lock failed", "lock", name, "err", err)
				} else if !ok {
					logging.L().Warn(ctx, "row lock lost while held", "lock", name, "owner", owner)
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
		r.release(ctx, name, owner)
	}()
	return body(ctx)
}

func (r *Row) Lock(ctx context.Context, name string, body Body) error {
	ctx, owner := ownerOf(ctx)
	bo := NewBackoff()
	for {
		ok, err := r.acquire(ctx, name, owner)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if err := sleep(ctx, bo.Next()); err != nil {
			return err
		}
	}
	return r.hold(ctx, name, owner, body)
}

func (r *Row) TryLock(ctx context.Context, name string, timeout time.Duration, body Body) (bool, error) {
	ctx, owner := ownerOf(ctx)
	ok, err := poll(ctx, timeout, func() (bool, error) { return r.acquire(ctx, name, owner) })
	if err != nil || !ok {
		return false, err
	}
	return true, r.hold(ctx, name, owner, body)
}
