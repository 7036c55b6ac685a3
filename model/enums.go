package model

// 任务类型
const (
	JobTypeHTTP   = 1
	JobTypeFunc   = 2
	JobTypeScript = 3
	JobTypeShell  = 4
)

// 路由策略
const (
	RouteNone           = 0
	RoutePreferredFirst = 1
	RouteWhitelist      = 2
	RouteBlacklist      = 3
)

// 负载均衡策略
const (
	BalancePreempt        = 1
	BalanceRandom         = 2
	BalanceRoundRobin     = 3
	BalanceConsistentHash = 4
)

// 触发器类型
const (
	TriggerCron  = 1
	TriggerFixed = 2
)

// 错过触发策略
const (
	MisfireIgnore     = 1
	MisfireCompensate = 2
)

// JobLog 状态
const (
	JobLogSuccess   = 0
	JobLogFailed    = 1
	JobLogCancelled = 2
)

// 调度器指令状态：0 待处理 -> 1 已领取 -> 2 已完成
const (
	CmdPending = 0
	CmdClaimed = 1
	CmdDone    = 2
)

// 调度器指令操作
const (
	CmdOpExecJob = "exec_job"
	CmdOpPause   = "pause"
	CmdOpResume  = "resume"
)

// 调度器实例状态（写入 scheduler_instance.state，供运维观察）
const (
	InstanceRunning  = "running"
	InstancePaused   = "paused"
	InstanceDegraded = "degraded"
)

// 调度器事件名称
const (
	EventStarted           = "started"
	EventPaused            = "paused"
	EventResume            = "resume"
	EventShutdown          = "shutdown"
	EventHeartbeatError    = "heart_beat_error"
	EventRegisterError     = "register_scheduler_error"
	EventReloadError       = "reload_scheduler_error"
	EventFireTriggersError = "fire_triggers_error"
	EventExecCmdError      = "exec_scheduler_cmd_error"
	EventClearLogError     = "clear_log_error"
	EventDataCheckError    = "data_check_error"
	EventTriggerFireError  = "job_trigger_fire_error"
	EventCalcNextFireError = "calc_next_fire_time_error"
	EventOptimizeAlarms    = "optimize_alarms"
	EventCollectReportErr  = "collect_report_error"
	EventLockContended     = "lock_contended"
	EventDegraded          = "degraded"
	EventRecovered         = "recovered"
	EventStaleCmd          = "stale_cmd"
)

// ShellSpec 描述一种 shell 类型的启动命令与脚本文件后缀。
type ShellSpec struct {
	Command []string
	Suffix  string
}

// ShellTypes 支持的 shell 类型。
var ShellTypes = map[string]ShellSpec{
	"bash":       {Command: []string{"bash"}, Suffix: ".sh"},
	"sh":         {Command: []string{"sh"}, Suffix: ".sh"},
	"ash":        {Command: []string{"ash"}, Suffix: ".sh"},
	"powershell": {Command: []string{"powershell", "-File"}, Suffix: ".ps1"},
	"cmd":        {Command: []string{"cmd", "/c"}, Suffix: ".bat"},
	"python":     {Command: []string{"python"}, Suffix: ".py"},
	"node":       {Command: []string{"node"}, Suffix: ".js"},
	"deno":       {Command: []string{"deno", "run", "-A"}, Suffix: ".ts"},
	"php":        {Command: []string{"php"}, Suffix: ".php"},
}

// ValidJobType 判断任务类型是否合法。
func ValidJobType(t int) bool { return t >= JobTypeHTTP && t <= JobTypeShell }

// ValidRoute 判断路由策略是否合法。
func ValidRoute(r int) bool { return r >= RouteNone && r <= RouteBlacklist }

// ValidBalance 判断负载均衡策略是否合法。
func ValidBalance(b int) bool { return b >= BalancePreempt && b <= BalanceConsistentHash }
