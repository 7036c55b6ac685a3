package taskmesh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/config"
	"github.com/mengeric/taskmesh-go/executor"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/scheduler"
	"github.com/mengeric/taskmesh-go/storage/memstore"
	. "github.com/smartystreets/goconvey/convey"
)

const testFunc = "taskmesh_test_count"

var runs atomic.Int32

func init() {
	executor.RegisterFunc(testFunc, func(ctx context.Context, jc *executor.JobContext) error {
		runs.Add(1)
		jc.Println("counted")
		return nil
	})
}

func testConfig(name string) config.Config {
	var c config.Config
	c.Namespace = "ns"
	c.InstanceName = name
	c.Scheduler.HeartbeatInterval = 500 * time.Millisecond
	c.Scheduler.CommandInterval = 30 * time.Millisecond
	c.Scheduler.RetryDelay = 10 * time.Millisecond
	return c
}

func newTestScheduler(store *memstore.Store, c config.Config) *Scheduler {
	s, err := New(c, WithStore(store))
	So(err, ShouldBeNil)
	return s
}

func saveFuncJob(store *memstore.Store) *model.Job {
	ctx := context.Background()
	job := &model.Job{Namespace: "ns", Name: "count", Type: model.JobTypeFunc, LoadBalance: model.BalancePreempt}
	So(store.SaveJob(ctx, job), ShouldBeNil)
	So(store.SaveFuncJob(ctx, &model.FuncJob{JobID: job.ID, FuncName: testFunc}), ShouldBeNil)
	return job
}

func eventCount(store *memstore.Store, name string) int {
	list, _ := store.ListEventLogs(context.Background(), "ns", name, 100)
	return len(list)
}

func shutdown(s *Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	So(s.Shutdown(ctx), ShouldBeNil)
}

func TestState(t *testing.T) {
	Convey("state names", t, func() {
		So(StateRunning.String(), ShouldEqual, "running")
		So(StatePaused.String(), ShouldEqual, "paused")
		So(State(42).String(), ShouldEqual, "state(42)")
	})

	Convey("transitions outside the lifecycle are rejected", t, func() {
		s := newTestScheduler(memstore.New(), testConfig("a"))
		So(s.State(), ShouldEqual, StateIdle)
		So(errors.Is(s.Pause(context.Background()), ErrBadState), ShouldBeTrue)
		So(errors.Is(s.Resume(context.Background()), ErrBadState), ShouldBeTrue)
		So(errors.Is(s.ExecJob(context.Background(), 1), ErrBadState), ShouldBeTrue)

		So(s.Shutdown(context.Background()), ShouldBeNil)
		So(s.State(), ShouldEqual, StateStopped)
		So(errors.Is(s.Start(context.Background()), ErrBadState), ShouldBeTrue)
		So(s.Shutdown(context.Background()), ShouldBeNil)
	})

	Convey("an unnamed instance gets a generated name", t, func() {
		s := newTestScheduler(memstore.New(), testConfig(""))
		So(s.Name(), ShouldNotBeEmpty)
		So(s.Namespace(), ShouldEqual, "ns")
	})

	Convey("an unknown lock flavor fails construction", t, func() {
		c := testConfig("a")
		c.Lock.Flavor = "zookeeper"
		_, err := New(c, WithStore(memstore.New()))
		So(err, ShouldNotBeNil)
	})
}

func TestLifecycle(t *testing.T) {
	Convey("start registers the instance, pause/resume toggle it, shutdown removes it", t, func() {
		ctx := context.Background()
		store := memstore.New()
		s := newTestScheduler(store, testConfig("node-a"))
		So(s.Start(ctx), ShouldBeNil)
		So(s.State(), ShouldEqual, StateRunning)
		So(eventCount(store, model.EventStarted), ShouldEqual, 1)

		list, _ := store.ListInstances(ctx, "ns")
		So(len(list), ShouldEqual, 1)
		So(list[0].InstanceName, ShouldEqual, "node-a")
		So(list[0].State, ShouldEqual, model.InstanceRunning)
		So(len(s.Live().Eligible()), ShouldEqual, 1)

		So(s.Pause(ctx), ShouldBeNil)
		So(s.State(), ShouldEqual, StatePaused)
		list, _ = store.ListInstances(ctx, "ns")
		So(list[0].State, ShouldEqual, model.InstancePaused)
		So(errors.Is(s.Pause(ctx), ErrBadState), ShouldBeTrue)

		So(s.Resume(ctx), ShouldBeNil)
		So(s.State(), ShouldEqual, StateRunning)
		So(eventCount(store, model.EventPaused), ShouldEqual, 1)
		So(eventCount(store, model.EventResume), ShouldEqual, 1)

		shutdown(s)
		So(s.State(), ShouldEqual, StateStopped)
		list, _ = store.ListInstances(ctx, "ns")
		So(list, ShouldBeEmpty)
		So(eventCount(store, model.EventShutdown), ShouldEqual, 1)
	})
}

func TestManualRun(t *testing.T) {
	Convey("manual runs write a manual trigger log and go through the guard", t, func() {
		ctx := context.Background()
		store := memstore.New()
		job := saveFuncJob(store)
		s := newTestScheduler(store, testConfig("node-a"))
		So(s.Start(ctx), ShouldBeNil)
		runs.Store(0)

		jl, err := s.RunJob(ctx, job.ID)
		So(err, ShouldBeNil)
		So(jl, ShouldNotBeNil)
		So(jl.Status, ShouldEqual, model.JobLogSuccess)
		So(jl.TriggerID, ShouldBeNil)
		So(jl.InstanceName, ShouldEqual, "node-a")
		So(runs.Load(), ShouldEqual, 1)

		So(s.ExecJob(ctx, job.ID), ShouldBeNil)
		shutdown(s)
		So(runs.Load(), ShouldEqual, 2)

		tl, _ := store.ListTriggerLogs(ctx, "ns", job.ID, 10)
		So(len(tl), ShouldEqual, 2)
		for _, l := range tl {
			So(l.IsManual, ShouldBeTrue)
			So(l.TriggerID, ShouldBeNil)
		}
		jls, _ := store.ListJobLogs(ctx, "ns", job.ID, 10)
		So(len(jls), ShouldEqual, 2)
		got, _ := store.GetJob(ctx, "ns", job.ID)
		So(got.RunCount, ShouldEqual, 2)
	})

	Convey("a missing job is reported", t, func() {
		store := memstore.New()
		s := newTestScheduler(store, testConfig("node-a"))
		So(s.Start(context.Background()), ShouldBeNil)
		defer shutdown(s)
		_, err := s.RunJob(context.Background(), 404)
		So(err, ShouldNotBeNil)
	})
}

func TestCommandRoundTrip(t *testing.T) {
	Convey("pause and resume commands addressed to the instance are applied", t, func() {
		ctx := context.Background()
		store := memstore.New()
		s := newTestScheduler(store, testConfig("node-a"))
		So(s.Start(ctx), ShouldBeNil)
		defer shutdown(s)

		wait := func(cmd *model.SchedulerCmd) {
			wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			ok, err := scheduler.WaitCommand(wctx, store, cmd.ID, 10*time.Millisecond)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		}

		cmd, err := s.EnqueueCommand(ctx, "node-a", model.CmdInfo{Operation: model.CmdOpPause})
		So(err, ShouldBeNil)
		wait(cmd)
		So(s.State(), ShouldEqual, StatePaused)

		cmd, _ = s.EnqueueCommand(ctx, "node-a", model.CmdInfo{Operation: model.CmdOpResume})
		wait(cmd)
		So(s.State(), ShouldEqual, StateRunning)

		job := saveFuncJob(store)
		runs.Store(0)
		cmd, _ = s.EnqueueCommand(ctx, "", model.CmdInfo{Operation: model.CmdOpExecJob, JobID: job.ID})
		wait(cmd)
		So(s.drain(ctx), ShouldBeNil)
		So(runs.Load(), ShouldEqual, 1)

		_, err = s.EnqueueCommand(ctx, "node-a", model.CmdInfo{Operation: "reboot"})
		So(errors.Is(err, scheduler.ErrUnknownCmd), ShouldBeTrue)
	})
}
