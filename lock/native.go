package lock

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"gorm.io/gorm"
)

// Diag 锁诊断行写入（可选），原生锁持有/释放时更新，便于运维查看。
type Diag interface {
	TouchLock(ctx context.Context, name, owner string, count int64) error
}

// Native 数据库原生咨询锁（MySQL GET_LOCK / PostgreSQL advisory lock）。
// 说明：整个临界区固定使用连接池中的同一条连接，会话断开时数据库自动释放锁；不可重入。
type Native struct {
	db      *gorm.DB
	dialect string
	diag    Diag
}

// NewNative 构造原生锁；diag 可为 nil。
func NewNative(db *gorm.DB, diag Diag) *Native {
	return &Native{db: db, dialect: db.Dialector.Name(), diag: diag}
}

// Supported 当前方言是否支持原生咨询锁。
func Supported(dialect string) bool { return dialect == "mysql" || dialect == "postgres" }

// mysqlName MySQL 锁名最长 64 字符，超长取哈希。
func mysqlName(name string) string {
	if len(name) <= 64 {
		return name
	}
	sum := sha1.Sum([]byte(name))
	return "tm_" + hex.EncodeToString(sum[:])
}

// pgKey PostgreSQL 咨询锁键：名称的 FNV-64a。
func pgKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (n *Native) Lock(ctx context.Context, name string, body Body) error {
	ok, err := n.run(ctx, name, -1, body)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAcquired, name)
	}
	return nil
}

func (n *Native) TryLock(ctx context.Context, name string, timeout time.Duration, body Body) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	return n.run(ctx, name, timeout, body)
}

// run 在固定连接上加锁、执行 body、释放。timeout<0 表示无限等待。
func (n *Native) run(ctx context.Context, name string, timeout time.Duration, body Body) (acquired bool, err error) {
	ctx, owner := ownerOf(ctx)
	err = n.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		ok, err := n.acquire(ctx, conn, name, timeout)
		if err != nil || !ok {
			return err
		}
		acquired = true
		n.touch(ctx, name, owner, 1)
		defer func() {
			n.release(ctx, conn, name)
			n.touch(ctx, name, "", 0)
		}()
		return body(ctx)
	})
	return acquired, err
}

func (n *Native) acquire(ctx context.Context, conn *gorm.DB, name string, timeout time.Duration) (bool, error) {
	switch n.dialect {
	case "mysql":
		secs := -1
		if timeout >= 0 {
			secs = int(math.Ceil(timeout.Seconds()))
		}
		var got sql.NullInt64
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", mysqlName(name), secs).Scan(&got).Error; err != nil {
			return false, fmt.Errorf("get_lock %s: %w", name, err)
		}
		return got.Valid && got.Int64 == 1, nil
	case "postgres":
		key := pgKey(name)
		if timeout < 0 {
			if err := conn.Exec("SELECT pg_advisory_lock(?)", key).Error; err != nil {
				return false, fmt.Errorf("pg_advisory_lock %s: %w", name, err)
			}
			return true, nil
		}
		return poll(ctx, timeout, func() (bool, error) {
			var got bool
			if err := conn.Raw("SELECT pg_try_advisory_lock(?)", key).Scan(&got).Error; err != nil {
				return false, fmt.Errorf("pg_try_advisory_lock %s: %w", name, err)
			}
			return got, nil
		})
	default:
		return false, fmt.Errorf("native lock unsupported for dialect %q", n.dialect)
	}
}

func (n *Native) release(ctx context.Context, conn *gorm.DB, name string) {
	rctx, cancel := releaseCtx(ctx)
	defer cancel()
	var err error
	switch n.dialect {
	case "mysql":
		err = conn.WithContext(rctx).Exec("SELECT RELEASE_LOCK(?)", mysqlName(name)).Error
	case "postgres":
		err = conn.WithContext(rctx).Exec("SELECT pg_advisory_unlock(?)", pgKey(name)).Error
	}
	if err != nil {
		logging.L().Error(ctx, "release native lock failed", "lock", name, "err", err)
	}
}

func (n *Native) touch(ctx context.Context, name, owner string, count int64) {
	if n.diag == nil {
		return
	}
	rctx, cancel := releaseCtx(ctx)
	defer cancel()
	if err := n.diag.TouchLock(rctx, name, owner, count); err != nil {
		logging.L().Debug(ctx, "touch lock row failed", "lock", name, "err", err)
	}
}
