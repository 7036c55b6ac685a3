package config

import (
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，如 TASKMESH_DB_DSN。
const EnvPrefix = "TASKMESH"

// Load 从 YAML 文件加载配置并填充默认值。
func Load(file string) (Config, error) {
	var c Config
	b, err := os.ReadFile(file)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.WithDefaults()
	return c, nil
}

// MustLoad 从 YAML 文件加载配置（失败 panic）。
func MustLoad(file string) Config {
	c, err := Load(file)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadWithEnv 加载 YAML 后再用环境变量覆盖（先尝试加载 .env）。
// 参数：file 为空时只使用环境变量与默认值。
func LoadWithEnv(file string) (Config, error) {
	_ = godotenv.Load()
	var c Config
	if file != "" {
		var err error
		if c, err = Load(file); err != nil {
			return c, err
		}
	}
	ApplyEnv(&c, newEnvViper())
	c.WithDefaults()
	return c, nil
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv 将 viper 中可见的覆盖项写入配置，未设置的键保持原值。
func ApplyEnv(c *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	str("namespace", &c.Namespace)
	str("instance_name", &c.InstanceName)
	str("log.level", &c.Log.Level)
	str("db.dialect", &c.DB.Dialect)
	str("db.dsn", &c.DB.DSN)
	str("redis.addr", &c.Redis.Addr)
	str("redis.password", &c.Redis.Password)
	str("lock.flavor", &c.Lock.Flavor)
	str("shell.workdir", &c.Shell.WorkDir)
	str("admin.listen", &c.Admin.Listen)
	if v.IsSet("db.automigrate") {
		c.DB.AutoMigrate = v.GetBool("db.automigrate")
	}
	if v.IsSet("scheduler.poolsize") {
		c.Scheduler.PoolSize = v.GetInt("scheduler.poolsize")
	}
	if v.IsSet("scheduler.logretention") {
		c.Scheduler.LogRetention = v.GetDuration("scheduler.logretention")
	}
}

// Watch 监听配置文件变更，重新加载成功后回调 fn。
// 注意：只有可热更新的字段（日志保留期、心跳周期、日志级别）会被调用方采纳。
func Watch(file string, fn func(Config)) error {
	v := viper.New()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := Load(e.Name)
		if err != nil {
			return
		}
		fn(c)
	})
	v.WatchConfig()
	return nil
}
