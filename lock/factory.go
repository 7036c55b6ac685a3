package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// 锁实现名称
const (
	FlavorNative = "native"
	FlavorRow    = "row"
	FlavorRedis  = "redis"
)

// Options 锁工厂参数。
type Options struct {
	Flavor string
	Lease  time.Duration
	DB     *gorm.DB              // native 需要
	Store  storage.LockStore     // row 需要；native 降级时使用
	Diag   Diag                  // native 可选
	Redis  redis.UniversalClient // redis 需要
}

// New 按配置选择锁实现。
// 说明：native 在不支持咨询锁的方言（sqlite）上降级为 row 并输出告警。
func New(opts Options) (Locker, error) {
	switch opts.Flavor {
	case "", FlavorNative:
		if opts.DB != nil && Supported(opts.DB.Dialector.Name()) {
			return NewNative(opts.DB, opts.Diag), nil
		}
		if opts.Store == nil {
			return nil, fmt.Errorf("native lock needs a mysql/postgres connection")
		}
		logging.L().Warn(context.Background(), "native lock unavailable, falling back to row lock")
		return NewRow(opts.Store, opts.Lease), nil
	case FlavorRow:
		if opts.Store == nil {
			return nil, fmt.Errorf("row lock needs a store")
		}
		return NewRow(opts.Store, opts.Lease), nil
	case FlavorRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis lock needs a redis client")
		}
		return NewRedis(opts.Redis, opts.Lease), nil
	default:
		return nil, fmt.Errorf("unknown lock flavor %q", opts.Flavor)
	}
}
