package gormstore

import (
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"gorm.io/datatypes"
)

// jobPO 映射 task_job 表。
type jobPO struct {
	ID                 int64                       `gorm:"primaryKey;autoIncrement:false"`
	Namespace          string                      `gorm:"size:64;index:idx_job_ns_name,priority:1"`
	Name               string                      `gorm:"size:128;index:idx_job_ns_name,priority:2"`
	Type               int                         `gorm:"not null"`
	MaxReentry         int                         `gorm:"default:0"`
	AllowConcurrent    bool                        `gorm:"default:false"`
	MaxRetryCount      int                         `gorm:"default:0"`
	RouteStrategy      int                         `gorm:"default:0"`
	FirstInstances     datatypes.JSONSlice[string] `gorm:"type:json"`
	WhitelistInstances datatypes.JSONSlice[string] `gorm:"type:json"`
	BlacklistInstances datatypes.JSONSlice[string] `gorm:"type:json"`
	LoadBalance        int                         `gorm:"default:1"`
	IsUpdateData       bool                        `gorm:"default:false"`
	JobData            datatypes.JSONMap           `gorm:"type:json"`
	RunCount           int64                       `gorm:"default:0"`
	Disable            bool                        `gorm:"default:false;index"`
	Description        string                      `gorm:"size:512"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (jobPO) TableName() string { return "task_job" }

type httpJobPO struct {
	JobID          int64                                 `gorm:"primaryKey;autoIncrement:false"`
	Method         string                                `gorm:"size:16"`
	URL            string                                `gorm:"size:1024"`
	Headers        datatypes.JSONType[map[string]string] `gorm:"type:json"`
	Body           string                                `gorm:"type:text"`
	SuccessCheck   string                                `gorm:"size:256"`
	TimeoutSeconds int
}

func (httpJobPO) TableName() string { return "task_http_job" }

type funcJobPO struct {
	JobID    int64  `gorm:"primaryKey;autoIncrement:false"`
	FuncName string `gorm:"size:255;not null"`
}

func (funcJobPO) TableName() string { return "task_func_job" }

type scriptJobPO struct {
	JobID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Content  string `gorm:"type:text"`
	ReadOnly bool
}

func (scriptJobPO) TableName() string { return "task_script_job" }

type shellJobPO struct {
	JobID          int64  `gorm:"primaryKey;autoIncrement:false"`
	ShellType      string `gorm:"size:32"`
	Content        string `gorm:"type:text"`
	Charset        string `gorm:"size:32"`
	TimeoutSeconds int
}

func (shellJobPO) TableName() string { return "task_shell_job" }

// triggerPO 映射 task_job_trigger 表。
type triggerPO struct {
	ID              int64      `gorm:"primaryKey;autoIncrement:false"`
	Namespace       string     `gorm:"size:64;index:idx_trigger_next,priority:1"`
	JobID           int64      `gorm:"index"`
	Name            string     `gorm:"size:128"`
	StartTime       time.Time
	EndTime         *time.Time
	LastFireTime    *time.Time
	NextFireTime    *time.Time `gorm:"index:idx_trigger_next,priority:2"`
	MisfireStrategy int        `gorm:"default:2"`
	AllowConcurrent bool
	Type            int
	Cron            string     `gorm:"size:512"`
	FixedInterval   int64
	FireCount       int64      `gorm:"default:0"`
	Disable         bool       `gorm:"default:false"`
	Description     string     `gorm:"size:512"`
}

func (triggerPO) TableName() string { return "task_job_trigger" }

// instancePO 映射 task_scheduler 表，(namespace, instance_name) 唯一。
type instancePO struct {
	ID                int64                                    `gorm:"primaryKey;autoIncrement:false"`
	Namespace         string                                   `gorm:"size:64;uniqueIndex:uk_scheduler,priority:1"`
	InstanceName      string                                   `gorm:"size:128;uniqueIndex:uk_scheduler,priority:2"`
	LastHeartbeatTime time.Time                                `gorm:"index"`
	HeartbeatInterval int64
	Config            datatypes.JSONType[model.InstanceConfig] `gorm:"type:json"`
	RuntimeInfo       datatypes.JSONType[model.RuntimeInfo]    `gorm:"type:json"`
	State             string                                   `gorm:"size:16"`
	Description       string                                   `gorm:"size:512"`
}

func (instancePO) TableName() string { return "task_scheduler" }

type lockPO struct {
	LockName  string    `gorm:"primaryKey;size:255"`
	LockCount int64     `gorm:"default:0"`
	Owner     string    `gorm:"size:64"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (lockPO) TableName() string { return "task_scheduler_lock" }

type cmdPO struct {
	ID           int64                             `gorm:"primaryKey;autoIncrement:false"`
	Namespace    string                            `gorm:"size:64;index:idx_cmd_state,priority:1"`
	InstanceName string                            `gorm:"size:128"`
	CmdInfo      datatypes.JSONType[model.CmdInfo] `gorm:"type:json"`
	State        int                               `gorm:"index:idx_cmd_state,priority:2"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (cmdPO) TableName() string { return "task_scheduler_cmd" }

type triggerLogPO struct {
	ID            int64     `gorm:"primaryKey;autoIncrement:false"`
	Namespace     string    `gorm:"size:64;index:idx_tl_fire,priority:1"`
	InstanceName  string    `gorm:"size:128"`
	TriggerID     *int64
	JobID         int64     `gorm:"index"`
	TriggerName   string    `gorm:"size:128"`
	FireTime      time.Time `gorm:"index:idx_tl_fire,priority:2"`
	IsManual      bool
	TriggerTimeMs int64
	LastFireTime  *time.Time
	NextFireTime  *time.Time
	FireCount     int64
	MisFired      bool
	TriggerMsg    string    `gorm:"size:512"`
}

func (triggerLogPO) TableName() string { return "task_job_trigger_log" }

type jobLogPO struct {
	ID            int64     `gorm:"primaryKey;autoIncrement:false"`
	Namespace     string    `gorm:"size:64;index:idx_jl_fire,priority:1"`
	InstanceName  string    `gorm:"size:128"`
	TriggerLogID  int64
	TriggerID     *int64
	JobID         int64     `gorm:"index"`
	FireTime      time.Time `gorm:"index:idx_jl_fire,priority:2"`
	StartTime     time.Time
	EndTime       time.Time
	RunTimeMs     int64
	Status        int
	RetryCount    int
	RunCount      int64
	ExceptionInfo string    `gorm:"type:text"`
	BeforeJobData string    `gorm:"type:text"`
	AfterJobData  string    `gorm:"type:text"`
}

func (jobLogPO) TableName() string { return "task_job_log" }

type consoleLogPO struct {
	ID           int64     `gorm:"primaryKey;autoIncrement:false"`
	Namespace    string    `gorm:"size:64"`
	InstanceName string    `gorm:"size:128"`
	JobID        int64
	JobLogID     int64     `gorm:"index"`
	LineNum      int
	Content      string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
}

func (consoleLogPO) TableName() string { return "task_job_console_log" }

type eventLogPO struct {
	ID           int64     `gorm:"primaryKey;autoIncrement:false"`
	Namespace    string    `gorm:"size:64;index:idx_ev,priority:1"`
	InstanceName string    `gorm:"size:128"`
	EventName    string    `gorm:"size:64;index:idx_ev,priority:2"`
	EventInfo    string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index:idx_ev,priority:3"`
}

func (eventLogPO) TableName() string { return "task_scheduler_log" }

type reportPO struct {
	ID           int64  `gorm:"primaryKey;autoIncrement:false"`
	Namespace    string `gorm:"size:64;uniqueIndex:uk_report,priority:1"`
	ReportDay    string `gorm:"size:10;uniqueIndex:uk_report,priority:2"`
	JobCount     int64
	JobErrCount  int64
	TriggerCount int64
	MisfireCount int64
}

func (reportPO) TableName() string { return "task_report" }

// allModels 迁移列表。
func allModels() []any {
	return []any{
		&jobPO{}, &httpJobPO{}, &funcJobPO{}, &scriptJobPO{}, &shellJobPO{},
		&triggerPO{}, &instancePO{}, &lockPO{}, &cmdPO{},
		&triggerLogPO{}, &jobLogPO{}, &consoleLogPO{}, &eventLogPO{}, &reportPO{},
	}
}
