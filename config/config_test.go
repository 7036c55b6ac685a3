package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

const sample = `
namespace: prod
instanceName: node-a
db:
  dialect: postgres
  dsn: host=127.0.0.1 user=task dbname=task
lock:
  flavor: row
scheduler:
  heartbeatInterval: 5s
  logRetention: 72h
  poolSize: 16
`

func TestLoad(t *testing.T) {
	Convey("load yaml and fill defaults", t, func() {
		file := filepath.Join(t.TempDir(), "taskmesh.yaml")
		So(os.WriteFile(file, []byte(sample), 0o644), ShouldBeNil)

		c, err := Load(file)
		So(err, ShouldBeNil)
		So(c.Namespace, ShouldEqual, "prod")
		So(c.DB.Dialect, ShouldEqual, "postgres")
		So(c.Lock.Flavor, ShouldEqual, "row")
		So(c.Scheduler.HeartbeatInterval, ShouldEqual, 5*time.Second)
		So(c.Scheduler.LogRetention, ShouldEqual, 72*time.Hour)
		So(c.Scheduler.Tick, ShouldEqual, time.Second)
		So(c.Scheduler.MaxConcurrent, ShouldEqual, 16)
		So(c.Shell.Timeout, ShouldEqual, 600*time.Second)
	})

	Convey("missing file returns error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
		So(err, ShouldNotBeNil)
		So(func() { MustLoad("/definitely/not/here.yaml") }, ShouldPanic)
	})
}

func TestLoadWithEnv(t *testing.T) {
	Convey("environment overrides yaml values", t, func() {
		file := filepath.Join(t.TempDir(), "taskmesh.yaml")
		So(os.WriteFile(file, []byte(sample), 0o644), ShouldBeNil)
		t.Setenv("TASKMESH_DB_DSN", "file::memory:")
		t.Setenv("TASKMESH_LOCK_FLAVOR", "redis")
		t.Setenv("TASKMESH_SCHEDULER_POOLSIZE", "4")

		c, err := LoadWithEnv(file)
		So(err, ShouldBeNil)
		So(c.DB.DSN, ShouldEqual, "file::memory:")
		So(c.Lock.Flavor, ShouldEqual, "redis")
		So(c.Scheduler.PoolSize, ShouldEqual, 4)
		So(c.Namespace, ShouldEqual, "prod")
	})
}
