package taskmesh

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/scheduler"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/mengeric/taskmesh-go/trigger"
)

const (
	defaultCronPreview = 5
	maxCronPreview     = 50
	defaultLogLimit    = 20
	maxLogLimit        = 500
	cmdWaitTimeout     = 30 * time.Second
)

// APIResponse 运维接口统一响应。
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// InstanceView 实例列表项。
type InstanceView struct {
	Name              string               `json:"name"`
	State             string               `json:"state"`
	Alive             bool                 `json:"alive"`
	Self              bool                 `json:"self"`
	LastHeartbeatTime time.Time            `json:"lastHeartbeatTime"`
	HeartbeatInterval int64                `json:"heartbeatInterval"`
	Config            model.InstanceConfig `json:"config"`
	RuntimeInfo       model.RuntimeInfo    `json:"runtimeInfo"`
	Description       string               `json:"description"`
}

// CmdView 指令下发结果。
type CmdView struct {
	ID        int64  `json:"id"`
	Instance  string `json:"instance"`
	Operation string `json:"operation"`
	Done      bool   `json:"done"`
}

// JobLogsView 任务最近的触发与执行日志。
type JobLogsView struct {
	TriggerLogs []model.TriggerLog `json:"triggerLogs"`
	JobLogs     []model.JobLog     `json:"jobLogs"`
}

func successResponse(c echo.Context, msg string, obj interface{}) error {
	return c.JSON(http.StatusOK, APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, msg string) error {
	return c.JSON(http.StatusOK, APIResponse{
		Status: false,
		Msg:    msg,
		Obj:    nil,
	})
}

// AdminRoutes 在 echo 实例上注册运维接口。
// 路由：
// - GET  /cron/validate?cron=&n=：校验 cron 并返回接下来 n 次触发时间；
// - GET  /instances：实例列表与存活状态；
// - POST /instances/:name/pause、/instances/:name/resume：向实例下发暂停/恢复指令；
// - POST /jobs/:id/exec?instance=&wait=：下发立即执行指令，wait=true 时等待指令完成；
// - GET  /jobs/:id/logs?limit=：最近的触发日志与执行日志。
func (s *Scheduler) AdminRoutes(e *echo.Echo) {
	e.GET("/cron/validate", s.validateCron)
	e.GET("/instances", s.listInstances)
	e.POST("/instances/:name/pause", s.instanceCmd(model.CmdOpPause))
	e.POST("/instances/:name/resume", s.instanceCmd(model.CmdOpResume))
	e.POST("/jobs/:id/exec", s.execJob)
	e.GET("/jobs/:id/logs", s.jobLogs)
}

func (s *Scheduler) validateCron(c echo.Context) error {
	expr := c.QueryParam("cron")
	if expr == "" {
		return errorResponse(c, "cron is required")
	}
	n := queryInt(c, "n", defaultCronPreview, maxCronPreview)
	times, err := trigger.NextTimes(expr, time.Now(), n)
	if err != nil {
		return errorResponse(c, err.Error())
	}
	return successResponse(c, "valid", times)
}

func (s *Scheduler) listInstances(c echo.Context) error {
	ctx := c.Request().Context()
	list, err := s.store.ListInstances(ctx, s.cfg.Namespace)
	if err != nil {
		logging.L().Error(ctx, "list instances failed", "err", err)
		return errorResponse(c, err.Error())
	}
	now := time.Now()
	out := make([]InstanceView, 0, len(list))
	for _, ins := range list {
		out = append(out, InstanceView{
			Name:              ins.InstanceName,
			State:             ins.State,
			Alive:             ins.Alive(now, 2),
			Self:              ins.InstanceName == s.name,
			LastHeartbeatTime: ins.LastHeartbeatTime,
			HeartbeatInterval: ins.HeartbeatInterval,
			Config:            ins.Config,
			RuntimeInfo:       ins.RuntimeInfo,
			Description:       ins.Description,
		})
	}
	return successResponse(c, "", out)
}

func (s *Scheduler) instanceCmd(op string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return s.enqueue(c, c.Param("name"), model.CmdInfo{Operation: op})
	}
}

func (s *Scheduler) execJob(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errorResponse(c, "invalid job id")
	}
	ctx := c.Request().Context()
	if _, err := s.store.GetJob(ctx, s.cfg.Namespace, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResponse(c, "job not found")
		}
		return errorResponse(c, err.Error())
	}
	return s.enqueue(c, c.QueryParam("instance"), model.CmdInfo{Operation: model.CmdOpExecJob, JobID: id})
}

func (s *Scheduler) enqueue(c echo.Context, instance string, info model.CmdInfo) error {
	ctx := c.Request().Context()
	cmd, err := s.EnqueueCommand(ctx, instance, info)
	if err != nil {
		logging.L().Warn(ctx, "enqueue cmd failed", "instance", instance, "op", info.Operation, "err", err)
		return errorResponse(c, err.Error())
	}
	view := CmdView{ID: cmd.ID, Instance: instance, Operation: info.Operation}
	if c.QueryParam("wait") != "true" {
		return successResponse(c, "queued", view)
	}
	wctx, cancel := context.WithTimeout(ctx, cmdWaitTimeout)
	defer cancel()
	view.Done, err = scheduler.WaitCommand(wctx, s.store, cmd.ID, 0)
	if err != nil {
		return errorResponse(c, err.Error())
	}
	if !view.Done {
		return successResponse(c, "queued, not completed yet", view)
	}
	return successResponse(c, "done", view)
}

func (s *Scheduler) jobLogs(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errorResponse(c, "invalid job id")
	}
	ctx := c.Request().Context()
	limit := queryInt(c, "limit", defaultLogLimit, maxLogLimit)
	var view JobLogsView
	if view.TriggerLogs, err = s.store.ListTriggerLogs(ctx, s.cfg.Namespace, id, limit); err != nil {
		return errorResponse(c, err.Error())
	}
	if view.JobLogs, err = s.store.ListJobLogs(ctx, s.cfg.Namespace, id, limit); err != nil {
		return errorResponse(c, err.Error())
	}
	return successResponse(c, "", view)
}

func queryInt(c echo.Context, key string, def, upper int) int {
	n, err := strconv.Atoi(c.QueryParam(key))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, upper)
}

// serveAdmin 启动运维接口；addr 可为 ":0"，实际地址见 AdminAddr。
func (s *Scheduler) serveAdmin(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	s.AdminRoutes(e)
	s.admin = e
	s.adminAddr.Store(ln.Addr().String())
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error(context.Background(), "admin server exited", "addr", addr, "err", err)
		}
	}()
	logging.L().Info(context.Background(), "admin server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Scheduler) stopAdmin(ctx context.Context) {
	if s.admin == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.admin.Shutdown(sctx); err != nil {
		logging.L().Warn(ctx, "admin server shutdown failed", "err", err)
	}
	s.admin = nil
}

// AdminAddr 运维接口实际监听地址，未启动时为空。
func (s *Scheduler) AdminAddr() string {
	addr, _ := s.adminAddr.Load().(string)
	return addr
}
