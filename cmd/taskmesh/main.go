package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mengeric/taskmesh-go/config"
	"github.com/mengeric/taskmesh-go/executor"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/taskmesh"
)

func main() {
	file := flag.String("config", "", "path to the yaml config file")
	watch := flag.Bool("watch", true, "hot reload retention/heartbeat/log level on config change")
	timeout := flag.Duration("shutdown-timeout", 30*time.Second, "max wait for running jobs on shutdown")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewZapLogger(cfg.Log.Level, cfg.Log.Development)
	logging.SetGlobal(logger)
	defer logger.Sync()

	ctx := context.Background()
	executor.RegisterFunc("sleep", sleep)

	s, err := taskmesh.New(cfg)
	if err != nil {
		logging.L().Error(ctx, "failed to build scheduler", "err", err)
		os.Exit(1)
	}
	if *file != "" && *watch {
		if err := s.Watch(*file); err != nil {
			logging.L().Warn(ctx, "config watch disabled", "file", *file, "err", err)
		}
	}
	if err := taskmesh.Run(ctx, s, *timeout); err != nil {
		logging.L().Error(ctx, "scheduler exited with error", "err", err)
		os.Exit(1)
	}
}

// sleep 示例函数任务：等待 JobData.sleepMS 毫秒（默认 100）后返回。
func sleep(ctx context.Context, jc *executor.JobContext) error {
	ms := int64(100)
	if v, ok := jc.JobData["sleepMS"].(float64); ok {
		ms = int64(v)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		jc.Println(fmt.Sprintf("slept %dms", ms))
		return nil
	}
}
