package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mengeric/taskmesh-go/storage"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store 基于 GORM 的 storage.Store 实现，支持 mysql/postgres/sqlite。
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// New 包装已打开的 *gorm.DB。调用方可自行执行 Migrate。
func New(db *gorm.DB) *Store { return &Store{db: db} }

// DB 返回底层连接（原生锁需要固定连接时使用）。
func (s *Store) DB() *gorm.DB { return s.db }

// PoolOptions 连接池参数。
type PoolOptions struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open 按方言打开数据库并设置连接池。
// 参数：dialect 取值 mysql/postgres/sqlite；dsn 为对应驱动的连接串。
func Open(dialect, dsn string, pool PoolOptions) (*gorm.DB, error) {
	var d gorm.Dialector
	switch dialect {
	case "mysql":
		d = mysql.Open(dsn)
	case "postgres", "postgresql":
		d = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		d = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate 自动建表。
func Migrate(db *gorm.DB) error { return db.AutoMigrate(allModels()...) }

// Close 关闭底层连接池。
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) ReadOnly(ctx context.Context, fn func(tx storage.Store) error) error {
	var opts []*sql.TxOptions
	// sqlite 驱动不支持只读事务选项
	if s.db.Dialector.Name() != "sqlite" {
		opts = append(opts, &sql.TxOptions{ReadOnly: true})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	}, opts...)
}

func (s *Store) q(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// notFound 统一 gorm.ErrRecordNotFound 为 storage.ErrNotFound。
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}
