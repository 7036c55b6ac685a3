package taskmesh

import (
	"github.com/mengeric/taskmesh-go/client"
	"github.com/mengeric/taskmesh-go/executor"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Option 调度器构造可选项。
type Option func(*buildConfig)

// buildConfig 构造期依赖；未显式传入的由配置推导。
type buildConfig struct {
	store  storage.Store
	db     *gorm.DB
	locker lock.Locker
	redis  redis.UniversalClient
	runner client.Runner
	execs  []executor.Executor
}

// WithStore 注入存储实现（如测试中的 memstore），此时忽略配置中的数据库连接。
func WithStore(s storage.Store) Option { return func(c *buildConfig) { c.store = s } }

// WithDB 注入已打开的 gorm 连接，调度器不负责关闭它。
func WithDB(db *gorm.DB) Option { return func(c *buildConfig) { c.db = db } }

// WithLocker 注入锁实现，跳过按配置选择锁的流程。
func WithLocker(l lock.Locker) Option { return func(c *buildConfig) { c.locker = l } }

// WithRedis 注入 redis 客户端，供 redis 锁使用。
func WithRedis(rdb redis.UniversalClient) Option { return func(c *buildConfig) { c.redis = rdb } }

// WithRunner 替换 HTTP 任务的请求执行器。
func WithRunner(r client.Runner) Option { return func(c *buildConfig) { c.runner = r } }

// WithExecutors 追加自定义执行器，优先于内置执行器匹配。
func WithExecutors(execs ...executor.Executor) Option {
	return func(c *buildConfig) { c.execs = append(c.execs, execs...) }
}
