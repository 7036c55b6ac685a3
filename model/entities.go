package model

import (
	"encoding/json"
	"time"
)

// JobData 任务自定义数据（JSON 对象）。
type JobData map[string]any

// Clone 深拷贝，用于执行前后的快照比较。
func (d JobData) Clone() JobData {
	if d == nil {
		return JobData{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		out := make(JobData, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	out := JobData{}
	_ = json.Unmarshal(b, &out)
	return out
}

// String 序列化为 JSON 文本，nil 返回 "{}"。
func (d JobData) String() string {
	if d == nil {
		return "{}"
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Job 定时任务。
type Job struct {
	ID                 int64
	Namespace          string
	Name               string
	Type               int
	MaxReentry         int
	AllowConcurrent    bool
	MaxRetryCount      int
	RouteStrategy      int
	FirstInstances     []string
	WhitelistInstances []string
	BlacklistInstances []string
	LoadBalance        int
	IsUpdateData       bool
	JobData            JobData
	RunCount           int64
	Disable            bool
	Description        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HTTPJob http 任务负载。
type HTTPJob struct {
	JobID          int64
	Method         string
	URL            string
	Headers        map[string]string
	Body           string
	SuccessCheck   string
	TimeoutSeconds int
}

// FuncJob 进程内函数任务负载，FuncName 为注册表中的键。
type FuncJob struct {
	JobID    int64
	FuncName string
}

// ScriptJob 脚本任务负载。
type ScriptJob struct {
	JobID    int64
	Content  string
	ReadOnly bool
}

// ShellJob shell 任务负载。
type ShellJob struct {
	JobID          int64
	ShellType      string
	Content        string
	Charset        string
	TimeoutSeconds int
}

// Trigger 任务触发器。
type Trigger struct {
	ID              int64
	Namespace       string
	JobID           int64
	Name            string
	StartTime       time.Time
	EndTime         *time.Time
	LastFireTime    *time.Time
	NextFireTime    *time.Time
	MisfireStrategy int
	AllowConcurrent bool
	Type            int
	Cron            string
	FixedInterval   int64
	FireCount       int64
	Disable         bool
	Description     string
}

// SchedulerInstance 调度器实例（一行对应一个存活进程）。
type SchedulerInstance struct {
	ID                int64
	Namespace         string
	InstanceName      string
	LastHeartbeatTime time.Time
	HeartbeatInterval int64 // 毫秒
	Config            InstanceConfig
	RuntimeInfo       RuntimeInfo
	State             string
	Description       string
}

// Alive 判断实例心跳是否新鲜：now - last < k * interval。
func (s SchedulerInstance) Alive(now time.Time, k int64) bool {
	if s.HeartbeatInterval <= 0 || s.LastHeartbeatTime.IsZero() {
		return false
	}
	return now.Sub(s.LastHeartbeatTime) < time.Duration(k*s.HeartbeatInterval)*time.Millisecond
}

// InstanceConfig 实例配置快照。
type InstanceConfig struct {
	PoolSize      int   `json:"poolSize"`
	Weight        int   `json:"weight"`
	MaxConcurrent int   `json:"maxConcurrent"`
	HeartbeatMs   int64 `json:"heartbeatMs"`
}

// RuntimeInfo 实例运行时观测数据。
type RuntimeInfo struct {
	CPULoad       float64 `json:"cpuLoad"`
	CPUProcessors int     `json:"cpuProcessors"`
	DiskUsage     float64 `json:"diskUsage"`
	MemUsage      float64 `json:"memUsage"`
	Goroutines    int     `json:"goroutines"`
	RunningJobs   int     `json:"runningJobs"`
	Score         float64 `json:"score"`
}

// SchedulerLock 锁记录。对原生锁仅作诊断；对行锁而言 LockCount/Owner 即锁本身。
type SchedulerLock struct {
	LockName  string
	LockCount int64
	Owner     string
	UpdatedAt time.Time
}

// CmdInfo 调度器指令内容。
type CmdInfo struct {
	Operation string `json:"operation"`
	JobID     int64  `json:"jobId,omitempty"`
}

// SchedulerCmd 调度器指令队列行。InstanceName 为空表示广播。
type SchedulerCmd struct {
	ID           int64
	Namespace    string
	InstanceName string
	CmdInfo      CmdInfo
	State        int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TriggerLog 触发日志。
type TriggerLog struct {
	ID            int64
	Namespace     string
	InstanceName  string
	TriggerID     *int64
	JobID         int64
	TriggerName   string
	FireTime      time.Time
	IsManual      bool
	TriggerTimeMs int64
	LastFireTime  *time.Time
	NextFireTime  *time.Time
	FireCount     int64
	MisFired      bool
	TriggerMsg    string
}

// JobLog 任务执行日志。
type JobLog struct {
	ID            int64
	Namespace     string
	InstanceName  string
	TriggerLogID  int64
	TriggerID     *int64
	JobID         int64
	FireTime      time.Time
	StartTime     time.Time
	EndTime       time.Time
	RunTimeMs     int64
	Status        int
	RetryCount    int
	RunCount      int64
	ExceptionInfo string
	BeforeJobData string
	AfterJobData  string
}

// ConsoleLog 任务控制台输出，LineNum 在 (JobID, JobLogID) 内单调递增。
type ConsoleLog struct {
	ID           int64
	Namespace    string
	InstanceName string
	JobID        int64
	JobLogID     int64
	LineNum      int
	Content      string
	CreatedAt    time.Time
}

// SchedulerEventLog 调度器事件日志。
type SchedulerEventLog struct {
	ID           int64
	Namespace    string
	InstanceName string
	EventName    string
	EventInfo    string
	CreatedAt    time.Time
}

// JobReport 按天汇总的执行报表。
type JobReport struct {
	ID           int64
	Namespace    string
	ReportDay    string
	JobCount     int64
	JobErrCount  int64
	TriggerCount int64
	MisfireCount int64
}
