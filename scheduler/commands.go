package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
)

// ErrUnknownCmd 不支持的指令操作。
var ErrUnknownCmd = errors.New("scheduler: unsupported command operation")

// CmdHandler 指令的执行方（调度器实例）。
type CmdHandler interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ExecJob(ctx context.Context, jobID int64) error
}

// Commands 调度器指令通道的消费端。
// 说明：轮询发给本实例或广播的待处理指令，CAS 0->1 领取，执行后置为 2；
// pause/resume 仅在指令明确发给本实例时生效，广播的 pause/resume 会被领取并完成但不执行。
type Commands struct {
	store      storage.CmdStore
	audit      *audit.Writer
	handler    CmdHandler
	namespace  string
	self       string
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	reported map[int64]struct{} // 已告警过的滞留指令
}

// NewCommands 构造指令消费端。
func NewCommands(store storage.CmdStore, aw *audit.Writer, handler CmdHandler, namespace, self string, interval, staleAfter time.Duration) *Commands {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &Commands{store: store, audit: aw, handler: handler, namespace: namespace, self: self,
		interval: interval, staleAfter: staleAfter, now: time.Now, reported: map[int64]struct{}{}}
}

// Poll 处理一轮待处理指令。
// 返回：本轮领取并处理的指令数（含执行失败的）。
func (c *Commands) Poll(ctx context.Context) (int, error) {
	list, err := c.store.PendingCmds(ctx, c.namespace, c.self)
	if err != nil {
		return 0, fmt.Errorf("query pending cmds: %w", err)
	}
	n := 0
	for i := range list {
		cmd := list[i]
		ok, err := c.store.CasCmdState(ctx, cmd.ID, model.CmdPending, model.CmdClaimed)
		if err != nil {
			logging.L().Warn(ctx, "claim cmd failed", "cmdId", cmd.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		n++
		if err := c.handle(ctx, cmd); err != nil {
			logging.L().Error(ctx, "exec scheduler cmd failed", "cmdId", cmd.ID, "op", cmd.CmdInfo.Operation, "err", err)
			c.audit.Eventf(ctx, model.EventExecCmdError, "cmd=%d op=%s err=%v", cmd.ID, cmd.CmdInfo.Operation, err)
			continue
		}
		if _, err := c.store.CasCmdState(ctx, cmd.ID, model.CmdClaimed, model.CmdDone); err != nil {
			logging.L().Warn(ctx, "complete cmd failed", "cmdId", cmd.ID, "err", err)
		}
	}
	return n, nil
}

func (c *Commands) handle(ctx context.Context, cmd model.SchedulerCmd) error {
	mine := cmd.InstanceName == c.self
	switch cmd.CmdInfo.Operation {
	case model.CmdOpExecJob:
		return c.handler.ExecJob(ctx, cmd.CmdInfo.JobID)
	case model.CmdOpPause:
		if mine {
			return c.handler.Pause(ctx)
		}
	case model.CmdOpResume:
		if mine {
			return c.handler.Resume(ctx)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCmd, cmd.CmdInfo.Operation)
	}
	return nil
}

// CheckStale 对领取后超过 staleAfter 仍未完成的指令写 stale_cmd 事件，每条只告警一次，不重试。
func (c *Commands) CheckStale(ctx context.Context) (int, error) {
	list, err := c.store.StaleCmds(ctx, c.namespace, c.now().Add(-c.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("query stale cmds: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[int64]struct{}, len(list))
	n := 0
	for _, cmd := range list {
		seen[cmd.ID] = struct{}{}
		if _, ok := c.reported[cmd.ID]; ok {
			continue
		}
		n++
		logging.L().Warn(ctx, "stale scheduler cmd", "cmdId", cmd.ID, "instance", cmd.InstanceName, "claimedAt", cmd.UpdatedAt)
		c.audit.Eventf(ctx, model.EventStaleCmd, "cmd=%d instance=%s op=%s claimedAt=%s",
			cmd.ID, cmd.InstanceName, cmd.CmdInfo.Operation, cmd.UpdatedAt.Format(time.RFC3339))
	}
	c.reported = seen
	return n, nil
}

// Start 启动轮询协程。
func (c *Commands) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Poll(ctx); err != nil {
					logging.L().Warn(ctx, "poll scheduler cmds failed", "err", err)
					c.audit.Eventf(ctx, model.EventExecCmdError, "poll: %v", err)
				}
				if _, err := c.CheckStale(ctx); err != nil {
					logging.L().Warn(ctx, "check stale cmds failed", "err", err)
				}
			}
		}
	}()
}

// EnqueueCommand 写入一条待处理指令（生产端）。instance 为空表示广播。
func EnqueueCommand(ctx context.Context, store storage.CmdStore, namespace, instance string, info model.CmdInfo) (*model.SchedulerCmd, error) {
	switch info.Operation {
	case model.CmdOpExecJob, model.CmdOpPause, model.CmdOpResume:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCmd, info.Operation)
	}
	cmd := &model.SchedulerCmd{
		ID:           model.NextID(),
		Namespace:    namespace,
		InstanceName: instance,
		CmdInfo:      info,
		State:        model.CmdPending,
	}
	if err := store.AddCmd(ctx, cmd); err != nil {
		return nil, fmt.Errorf("add cmd: %w", err)
	}
	return cmd, nil
}

// WaitCommand 轮询指令状态直到完成或 ctx 结束。
// 返回：指令已完成返回 true；指令被删除或超时返回 false。
func WaitCommand(ctx context.Context, store storage.CmdStore, id int64, every time.Duration) (bool, error) {
	if every <= 0 {
		every = 800 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		cmd, err := store.GetCmd(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cmd.State == model.CmdDone {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-t.C:
		}
	}
}
