package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/client"
	"github.com/mengeric/taskmesh-go/config"
	"github.com/mengeric/taskmesh-go/executor"
	"github.com/mengeric/taskmesh-go/guard"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/scheduler"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/mengeric/taskmesh-go/storage/gormstore"
	"github.com/mengeric/taskmesh-go/storage/memstore"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// State 调度器实例生命周期状态。
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopped
)

var stateNames = [...]string{"idle", "starting", "running", "paused", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// ErrBadState 当前状态不允许该操作。
var ErrBadState = errors.New("taskmesh: invalid state transition")

var transitions = map[State][]State{
	StateIdle:     {StateStarting, StateStopped},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StatePaused, StateStopped},
	StatePaused:   {StateRunning, StateStopped},
}

// Scheduler 调度器实例：组装存储、锁、时钟、心跳、指令与维护任务，并管理其生命周期。
// 说明：集群中每个进程一个实例，实例之间不选主，依靠分布式锁划分触发与执行的归属。
type Scheduler struct {
	cfg  config.Config
	name string

	store   storage.Store
	locker  lock.Locker
	audit   *audit.Writer
	guard   *guard.Guard
	live    *scheduler.LiveView
	hb      *scheduler.Heartbeat
	clock   *scheduler.Clock
	cmds    *scheduler.Commands
	maint   *scheduler.Maintenance
	closers []func() error

	op     sync.Mutex // 串行化状态迁移
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	manual sync.WaitGroup
	level  atomic.Value // string

	admin     *echo.Echo
	adminAddr atomic.Value // string
}

// New 按配置构造调度器实例（不启动）。
// 功能：
// 1) 未配置实例名时使用 hostname + 随机后缀，并以实例名哈希设置 ID 节点号；
// 2) 配置了 DSN 时通过 gorm 打开数据库（可选自动建表），否则使用内存存储（仅单机开发）；
// 3) 按 Lock.Flavor 选择锁实现，配置了 Redis.Addr 时创建 redis 客户端；
// 4) 组装执行器注册表、执行守卫、存活视图、心跳、时钟、指令与维护任务。
// 参数：
// - cfg：调度器配置，缺省值在此填充；
// - opts：可选项，可注入存储、数据库连接、锁、redis 客户端与自定义执行器；
// 返回：
// - *Scheduler：处于 idle 状态的实例；
// 异常：数据库打开/建表失败或锁配置无效时返回错误，已创建的连接会被关闭。
func New(cfg config.Config, opts ...Option) (*Scheduler, error) {
	cfg.WithDefaults()
	bc := &buildConfig{}
	for _, fn := range opts {
		fn(bc)
	}
	name := cfg.InstanceName
	if name == "" {
		name = defaultInstanceName()
	}
	model.SetNode(nodeOf(name))

	s := &Scheduler{cfg: cfg, name: name}
	s.level.Store(cfg.Log.Level)
	if err := s.build(bc); err != nil {
		s.closeAll()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) build(bc *buildConfig) error {
	cfg := s.cfg
	ns := cfg.Namespace

	db := bc.db
	switch {
	case bc.store != nil:
		s.store = bc.store
	case db != nil:
		s.store = gormstore.New(db)
	case cfg.DB.DSN != "":
		var err error
		db, err = gormstore.Open(cfg.DB.Dialect, cfg.DB.DSN, gormstore.PoolOptions{
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { return gormstore.Close(db) })
		s.store = gormstore.New(db)
	default:
		logging.L().Warn(context.Background(), "no database configured, using in-memory store", "instance", s.name)
		s.store = memstore.New()
	}
	if db != nil && cfg.DB.AutoMigrate {
		if err := gormstore.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	locker, err := s.buildLocker(bc, db)
	if err != nil {
		return err
	}
	s.locker = locker

	runner := bc.runner
	if runner == nil {
		runner = client.NewRunner()
	}
	execs := append(bc.execs,
		executor.FuncExecutor{},
		executor.NewHTTP(runner),
		executor.NewScript(cfg.Script.PoolSize),
		executor.NewShell(cfg.Shell.WorkDir, cfg.Shell.Timeout),
	)

	sc := cfg.Scheduler
	s.audit = audit.NewWriter(s.store, ns, s.name, time.Second, 200)
	s.guard = guard.New(guard.Options{
		Store:      s.store,
		Locker:     s.locker,
		Registry:   executor.NewRegistry(execs...),
		Audit:      s.audit,
		Instance:   s.name,
		RetryDelay: sc.RetryDelay,
	})
	s.live = scheduler.NewLiveView(s.store, s.locker, ns, sc.Tick)
	s.hb = scheduler.NewHeartbeat(s.store, s.audit, model.SchedulerInstance{
		Namespace:    ns,
		InstanceName: s.name,
		Description:  cfg.Description,
		Config: model.InstanceConfig{
			PoolSize:      sc.PoolSize,
			Weight:        sc.Weight,
			MaxConcurrent: sc.MaxConcurrent,
		},
	}, sc.HeartbeatInterval, s.guard.Tracker().Total)
	s.clock = scheduler.NewClock(scheduler.ClockOptions{
		Namespace: ns,
		Instance:  s.name,
		Store:     s.store,
		Locker:    s.locker,
		Guard:     s.guard,
		Live:      s.live,
		Audit:     s.audit,
		Tick:      sc.Tick,
		Margin:    sc.WindowMargin,
		PoolSize:  sc.PoolSize,
		Gate:      func() bool { return !s.hb.Degraded() },
		OnFault:   s.onFault,
	})
	s.cmds = scheduler.NewCommands(s.store, s.audit, s, ns, s.name, sc.CommandInterval, sc.StaleCmdAfter)
	s.maint = scheduler.NewMaintenance(scheduler.MaintenanceOptions{
		Store:       s.store,
		Locker:      s.locker,
		Audit:       s.audit,
		Namespace:   ns,
		Retention:   sc.LogRetention,
		ClearEvery:  sc.MaintainInterval,
		CheckEvery:  sc.DataCheckInterval,
		ReportEvery: sc.ReportInterval,
	})
	return nil
}

func (s *Scheduler) buildLocker(bc *buildConfig, db *gorm.DB) (lock.Locker, error) {
	if bc.locker != nil {
		return bc.locker, nil
	}
	rdb := bc.redis
	if rdb == nil && s.cfg.Redis.Addr != "" {
		c := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		s.closers = append(s.closers, c.Close)
		rdb = c
	}
	var diag lock.Diag
	if gs, ok := s.store.(*gormstore.Store); ok {
		diag = gs
	}
	l, err := lock.New(lock.Options{
		Flavor: s.cfg.Lock.Flavor,
		Lease:  s.cfg.Lock.Lease,
		DB:     db,
		Store:  s.store,
		Diag:   diag,
		Redis:  rdb,
	})
	if err != nil {
		return nil, fmt.Errorf("build locker: %w", err)
	}
	return l, nil
}

func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskmesh"
	}
	return host + "-" + uuid.NewString()[:8]
}

func nodeOf(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32())
}

// State 当前状态。
func (s *Scheduler) State() State { return State(s.state.Load()) }

// transit 校验并执行状态迁移，调用方需持有 op。
func (s *Scheduler) transit(to State) error {
	from := s.State()
	for _, next := range transitions[from] {
		if next == to {
			s.state.Store(int32(to))
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadState, from, to)
}

// Start 启动调度器。
// 功能：
// 1) 启动审计写入并接管日志钩子（任务内日志写入控制台日志）；
// 2) 写首次心跳完成注册，失败则写 register_scheduler_error 事件并返回错误；
// 3) 刷新存活视图、校准触发器；
// 4) 启动心跳、存活视图、指令轮询、维护任务与运维接口，最后启动时钟循环。
// 参数：ctx 为调度器生命周期，ctx 结束等同于停止所有后台协程（但不删除实例行，需调用 Shutdown）。
// 异常：仅允许在 idle 状态调用，否则返回 ErrBadState。
func (s *Scheduler) Start(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.transit(StateStarting); err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.audit.Start(s.ctx)
	logging.SetHook(s.audit.Hook())

	if err := s.hb.Beat(s.ctx); err != nil {
		s.audit.Eventf(s.ctx, model.EventRegisterError, "%v", err)
		s.abort()
		return fmt.Errorf("register instance %s: %w", s.name, err)
	}
	if _, err := s.live.Refresh(s.ctx); err != nil {
		logging.L().Warn(s.ctx, "refresh live instances failed", "err", err)
		s.audit.Eventf(s.ctx, model.EventReloadError, "refresh live instances: %v", err)
	}
	if _, err := s.clock.Calibrate(s.ctx); err != nil {
		logging.L().Warn(s.ctx, "calibrate triggers failed", "err", err)
		s.audit.Eventf(s.ctx, model.EventReloadError, "calibrate triggers: %v", err)
	}

	if s.cfg.Admin.Listen != "" {
		if err := s.serveAdmin(s.cfg.Admin.Listen); err != nil {
			s.abort()
			return fmt.Errorf("start admin server: %w", err)
		}
	}
	s.hb.Start(s.ctx)
	s.live.Start(s.ctx)
	s.cmds.Start(s.ctx)
	s.maint.Start(s.ctx)
	s.clock.Start(s.ctx)
	_ = s.transit(StateRunning)

	logging.L().Info(s.ctx, "scheduler started", "namespace", s.cfg.Namespace, "instance", s.name)
	s.audit.Event(s.ctx, model.EventStarted, s.cfg.Description)
	return nil
}

// abort 启动失败时回收已创建的资源。
func (s *Scheduler) abort() {
	if err := s.store.DeleteInstance(context.Background(), s.cfg.Namespace, s.name); err != nil {
		logging.L().Warn(context.Background(), "delete instance row failed", "instance", s.name, "err", err)
	}
	s.cancel()
	logging.SetHook(nil)
	s.audit.Close()
	s.closeAll()
	s.state.Store(int32(StateStopped))
}

// Pause 暂停领取触发：结束时钟循环，心跳继续并以 paused 状态上报，在途任务继续执行。
func (s *Scheduler) Pause(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.transit(StatePaused); err != nil {
		return err
	}
	s.clock.Stop()
	s.hb.SetState(model.InstancePaused)
	if err := s.hb.Beat(ctx); err != nil {
		logging.L().Warn(ctx, "report paused state failed", "err", err)
	}
	logging.L().Info(ctx, "scheduler paused", "instance", s.name)
	s.audit.Event(ctx, model.EventPaused, "")
	return nil
}

// Resume 从暂停恢复调度。
func (s *Scheduler) Resume(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.transit(StateRunning); err != nil {
		return err
	}
	s.hb.SetState(model.InstanceRunning)
	if err := s.hb.Beat(ctx); err != nil {
		logging.L().Warn(ctx, "report running state failed", "err", err)
	}
	s.clock.Start(s.ctx)
	logging.L().Info(ctx, "scheduler resumed", "instance", s.name)
	s.audit.Event(ctx, model.EventResume, "")
	return nil
}

// onFault 时钟循环出现协调错误后转入暂停，等待人工恢复。
func (s *Scheduler) onFault(err error) {
	logging.L().Error(s.ctx, "clock loop faulted, pausing scheduler", "instance", s.name, "err", err)
	if perr := s.Pause(s.ctx); perr != nil && !errors.Is(perr, ErrBadState) {
		logging.L().Error(s.ctx, "pause after fault failed", "err", perr)
	}
}

// Shutdown 优雅停止。
// 功能：按顺序停止运维接口与时钟循环，等待在途任务（受 ctx 限制），停止后台协程并刷新审计日志，
// 删除实例行、写 shutdown 事件，最后关闭数据库与 redis 连接。
// 返回：等待在途任务超时时返回 ctx 错误，其余步骤仍会执行。重复调用返回 nil。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	prev := s.State()
	if prev == StateStopped {
		return nil
	}
	if err := s.transit(StateStopped); err != nil {
		return err
	}
	if prev == StateIdle {
		s.closeAll()
		return nil
	}

	s.stopAdmin(ctx)
	s.clock.Stop()
	drainErr := s.drain(ctx)
	s.cancel()
	logging.SetHook(nil)
	s.audit.Close()

	dctx := context.WithoutCancel(ctx)
	if err := s.store.DeleteInstance(dctx, s.cfg.Namespace, s.name); err != nil {
		logging.L().Warn(dctx, "delete instance row failed", "instance", s.name, "err", err)
	}
	s.audit.Event(dctx, model.EventShutdown, "")
	logging.L().Info(dctx, "scheduler stopped", "instance", s.name)
	s.closeAll()
	return drainErr
}

func (s *Scheduler) drain(ctx context.Context) error {
	if err := s.clock.Drain(ctx); err != nil {
		logging.L().Warn(ctx, "drain clock jobs timed out", "running", s.guard.Tracker().Total())
		return err
	}
	ch := make(chan struct{})
	go func() {
		s.manual.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		logging.L().Warn(ctx, "drain manual runs timed out", "running", s.guard.Tracker().Total())
		return ctx.Err()
	}
}

func (s *Scheduler) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logging.L().Warn(context.Background(), "close resource failed", "err", err)
		}
	}
	s.closers = nil
}

// manualFiring 写手动触发日志并构造 Firing。
func (s *Scheduler) manualFiring(ctx context.Context, jobID int64) (*guard.Firing, error) {
	switch s.State() {
	case StateRunning, StatePaused:
	default:
		return nil, fmt.Errorf("%w: exec job in state %s", ErrBadState, s.State())
	}
	job, err := s.store.GetJob(ctx, s.cfg.Namespace, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", jobID, err)
	}
	now := time.Now()
	tl := &model.TriggerLog{
		ID:         model.NextID(),
		JobID:      job.ID,
		FireTime:   now,
		IsManual:   true,
		TriggerMsg: "manual",
	}
	if err := s.audit.TriggerLog(ctx, tl); err != nil {
		logging.L().Error(ctx, "write manual trigger log failed", "jobId", jobID, "err", err)
	}
	return &guard.Firing{Job: job, FireTime: now, TriggerLogID: tl.ID}, nil
}

// ExecJob 立即异步执行一次任务（不影响触发器），经由执行守卫加锁与重试。
// 返回：任务不存在或调度器未运行时返回错误；执行结果写入 JobLog。
func (s *Scheduler) ExecJob(ctx context.Context, jobID int64) error {
	f, err := s.manualFiring(ctx, jobID)
	if err != nil {
		return err
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		if _, err := s.guard.Execute(s.ctx, *f); err != nil {
			logging.L().Error(s.ctx, "manual job run failed", "jobId", jobID, "err", err)
		}
	}()
	return nil
}

// RunJob 同步执行一次任务并返回 JobLog；任务锁被占用或已被执行时返回 (nil, nil)。
func (s *Scheduler) RunJob(ctx context.Context, jobID int64) (*model.JobLog, error) {
	f, err := s.manualFiring(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.manual.Add(1)
	defer s.manual.Done()
	return s.guard.Execute(ctx, *f)
}

// EnqueueCommand 向指定实例（为空表示任一实例）下发指令。
func (s *Scheduler) EnqueueCommand(ctx context.Context, instance string, info model.CmdInfo) (*model.SchedulerCmd, error) {
	return scheduler.EnqueueCommand(ctx, s.store, s.cfg.Namespace, instance, info)
}

// Watch 监听配置文件，热更新日志保留期、心跳周期与日志级别。
func (s *Scheduler) Watch(file string) error {
	return config.Watch(file, func(c config.Config) {
		ctx := context.Background()
		s.maint.SetRetention(c.Scheduler.LogRetention)
		s.hb.SetInterval(c.Scheduler.HeartbeatInterval)
		if old, _ := s.level.Load().(string); c.Log.Level != old {
			s.level.Store(c.Log.Level)
			logging.SetGlobal(logging.NewZapLogger(c.Log.Level, c.Log.Development))
		}
		logging.L().Info(ctx, "config reloaded", "file", file, "logRetention", c.Scheduler.LogRetention,
			"heartbeatInterval", c.Scheduler.HeartbeatInterval, "level", c.Log.Level)
	})
}

// Name 实例名。
func (s *Scheduler) Name() string { return s.name }

// Namespace 命名空间。
func (s *Scheduler) Namespace() string { return s.cfg.Namespace }

// Store 存储实现。
func (s *Scheduler) Store() storage.Store { return s.store }

// Locker 锁实现。
func (s *Scheduler) Locker() lock.Locker { return s.locker }

// Live 存活实例视图。
func (s *Scheduler) Live() *scheduler.LiveView { return s.live }

// Running 本实例在途任务数。
func (s *Scheduler) Running() int { return s.guard.Tracker().Total() }
