package config

import "time"

// Config 调度器进程的完整配置。
// 功能：承载命名空间/实例、数据库、锁、调度周期、执行器与运维接口等配置；缺省值由 WithDefaults 填充。
type Config struct {
	Namespace    string `yaml:"namespace"`
	InstanceName string `yaml:"instanceName"` // 留空则使用 hostname + 随机后缀
	Description  string `yaml:"description"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	DB struct {
		Dialect         string        `yaml:"dialect"` // mysql | postgres | sqlite
		DSN             string        `yaml:"dsn"`
		MaxIdleConns    int           `yaml:"maxIdleConns"`
		MaxOpenConns    int           `yaml:"maxOpenConns"`
		ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
		AutoMigrate     bool          `yaml:"autoMigrate"`
	} `yaml:"db"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Lock struct {
		Flavor string        `yaml:"flavor"` // native | row | redis
		Lease  time.Duration `yaml:"lease"`  // 行锁/redis 锁租约，超时视为持有者已崩溃
	} `yaml:"lock"`

	Scheduler struct {
		Tick              time.Duration `yaml:"tick"`              // 时钟循环周期 N
		WindowMargin      time.Duration `yaml:"windowMargin"`      // 预加载窗口余量 M
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"` // 心跳周期
		CommandInterval   time.Duration `yaml:"commandInterval"`   // 指令轮询周期
		MaintainInterval  time.Duration `yaml:"maintainInterval"`  // 日志清理周期
		DataCheckInterval time.Duration `yaml:"dataCheckInterval"` // 数据校验周期
		ReportInterval    time.Duration `yaml:"reportInterval"`    // 报表汇总周期
		StaleCmdAfter     time.Duration `yaml:"staleCmdAfter"`     // 已领取未完成指令的告警阈值
		LogRetention      time.Duration `yaml:"logRetention"`      // <=0 不清理
		RetryDelay        time.Duration `yaml:"retryDelay"`        // 任务失败重试间隔
		PoolSize          int           `yaml:"poolSize"`          // 任务执行并发上限
		Weight            int           `yaml:"weight"`
		MaxConcurrent     int           `yaml:"maxConcurrent"`
	} `yaml:"scheduler"`

	Shell struct {
		WorkDir string        `yaml:"workDir"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"shell"`

	Script struct {
		PoolSize int `yaml:"poolSize"`
	} `yaml:"script"`

	Admin struct {
		Listen string `yaml:"listen"` // 留空不启动运维接口
	} `yaml:"admin"`
}

// WithDefaults 填充默认值。
func (c *Config) WithDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DB.Dialect == "" {
		c.DB.Dialect = "mysql"
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = 10
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = 100
	}
	if c.DB.ConnMaxLifetime <= 0 {
		c.DB.ConnMaxLifetime = time.Hour
	}
	if c.Lock.Flavor == "" {
		c.Lock.Flavor = "native"
	}
	if c.Lock.Lease <= 0 {
		c.Lock.Lease = 10 * time.Minute
	}
	s := &c.Scheduler
	if s.Tick <= 0 {
		s.Tick = time.Second
	}
	if s.WindowMargin <= 0 {
		s.WindowMargin = 2 * time.Second
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 3 * time.Second
	}
	if s.CommandInterval <= 0 {
		s.CommandInterval = 2 * time.Second
	}
	if s.MaintainInterval <= 0 {
		s.MaintainInterval = time.Hour
	}
	if s.DataCheckInterval <= 0 {
		s.DataCheckInterval = 15 * time.Minute
	}
	if s.ReportInterval <= 0 {
		s.ReportInterval = time.Hour
	}
	if s.StaleCmdAfter <= 0 {
		s.StaleCmdAfter = time.Minute
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = time.Second
	}
	if s.PoolSize <= 0 {
		s.PoolSize = 64
	}
	if s.Weight <= 0 {
		s.Weight = 1
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = s.PoolSize
	}
	if c.Shell.WorkDir == "" {
		c.Shell.WorkDir = "shell_job"
	}
	if c.Shell.Timeout <= 0 {
		c.Shell.Timeout = 600 * time.Second
	}
	if c.Script.PoolSize <= 0 {
		c.Script.PoolSize = 8
	}
}
