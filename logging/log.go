package logging

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 日志级别，与 Hook 回调的 level 参数一致。
const (
	LevelDebug = 1
	LevelInfo  = 2
	LevelWarn  = 3
	LevelError = 4
)

// Logger 日志门面接口。
// 说明：提供 Info/Warn/Error/Debug 与 With 方法，args 为 key/value 交替排列。
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Debug(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

// Hook 日志旁路回调，每条日志都会调用一次。
// 注意：Hook 不得再次调用 logging.L()，以避免递归。
type Hook func(ctx context.Context, level int, msg string, args ...any)

// ZapLogger 基于 zap 的默认实现。
type ZapLogger struct {
	l    *zap.Logger
	base []any
}

// NewZapLogger 创建 zap 日志器。
// 参数：level 取值 debug/info/warn/error；development 为 true 时使用控制台格式。
func NewZapLogger(level string, development bool) *ZapLogger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

// NewWithZap 包装已有的 zap.Logger。
func NewWithZap(l *zap.Logger) *ZapLogger { return &ZapLogger{l: l} }

func (z *ZapLogger) Info(ctx context.Context, msg string, args ...any) {
	z.l.Info(msg, fields(args)...)
	fire(ctx, LevelInfo, msg, z.merge(args))
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, args ...any) {
	z.l.Warn(msg, fields(args)...)
	fire(ctx, LevelWarn, msg, z.merge(args))
}

func (z *ZapLogger) Error(ctx context.Context, msg string, args ...any) {
	z.l.Error(msg, fields(args)...)
	fire(ctx, LevelError, msg, z.merge(args))
}

func (z *ZapLogger) Debug(ctx context.Context, msg string, args ...any) {
	z.l.Debug(msg, fields(args)...)
	fire(ctx, LevelDebug, msg, z.merge(args))
}

// With 返回携带固定字段的子日志器。
func (z *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{l: z.l.With(fields(args)...), base: z.merge(args)}
}

// Sync 刷新缓冲。
func (z *ZapLogger) Sync() error { return z.l.Sync() }

func (z *ZapLogger) merge(args []any) []any {
	if len(z.base) == 0 {
		return args
	}
	out := make([]any, 0, len(z.base)+len(args))
	return append(append(out, z.base...), args...)
}

// fields 将 key/value 扁平参数转换为 zap 字段，落单的值记为 arg。
func fields(args []any) []zap.Field {
	if len(args) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, zap.Any("arg", args[i]))
			i--
			continue
		}
		if err, isErr := args[i+1].(error); isErr {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, args[i+1]))
	}
	return out
}

var (
	defaultLogger atomic.Value // Logger
	hook          atomic.Value // Hook
)

func init() { defaultLogger.Store(holder{NewZapLogger("info", false)}) }

type holder struct{ Logger }

type hookHolder struct{ h Hook }

// L 获取全局日志器。
func L() Logger { return defaultLogger.Load().(holder).Logger }

// SetGlobal 替换全局日志器。
func SetGlobal(l Logger) {
	if l != nil {
		defaultLogger.Store(holder{l})
	}
}

// SetHook 设置日志旁路回调，传 nil 取消。
func SetHook(h Hook) { hook.Store(hookHolder{h}) }

func fire(ctx context.Context, level int, msg string, args []any) {
	v, _ := hook.Load().(hookHolder)
	if v.h == nil || ctx == nil {
		return
	}
	v.h(ctx, level, msg, args...)
}
