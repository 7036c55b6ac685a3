package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"github.com/redis/go-redis/v9"
)

// 仅当值等于持有者时删除。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// 仅当值等于持有者时续期。
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis 基于 SET NX PX 的锁，持有期间按 lease/3 续期。不可重入。
type Redis struct {
	rdb    redis.UniversalClient
	lease  time.Duration
	prefix string
}

// NewRedis 构造 Redis 锁。
func NewRedis(rdb redis.UniversalClient, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Redis{rdb: rdb, lease: lease, prefix: "taskmesh:lock:"}
}

func (r *Redis) acquire(ctx context.Context, key, owner string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, owner, r.lease).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Lock(ctx context.Context, name string, body Body) error {
	ctx, owner := ownerOf(ctx)
	key := r.prefix + name
	bo := NewBackoff()
	for {
		ok, err := r.acquire(ctx, key, owner)
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
	return r.hold(ctx, key, owner, body)
}

func (r *Redis) TryLock(ctx context.Context, name string, timeout time.Duration, body Body) (bool, error) {
	ctx, owner := ownerOf(ctx)
	key := r.prefix + name
	ok, err := poll(ctx, timeout, func() (bool, error) { return r.acquire(ctx, key, owner) })
	if err != nil || !ok {
		return false, err
	}
	return true, r.hold(ctx, key, owner, body)
}

// hold 执行 body，期间后台续期；返回前释放。
func (r *Redis) hold(ctx context.Context, key, owner string, body Body) error {
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
				if err := renewScript.Run(context.WithoutCancel(ctx), r.rdb, []string{key}, owner, r.lease.Milliseconds()).Err(); err != nil {
					logging.L().Warn(ctx, "renew redis lock failed", "lock", key, "err", err)
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
		rctx, cancel := releaseCtx(ctx)
		defer cancel()
		if err := releaseScript.Run(rctx, r.rdb, []string{key}, owner).Err(); err != nil {
			logging.L().Error(ctx, "release redis lock failed", "lock", key, "err", err)
		}
	}()
	return body(ctx)
}
