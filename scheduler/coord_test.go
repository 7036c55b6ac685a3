package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/audit"
	"github.com/mengeric/taskmesh-go/lock"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	"github.com/mengeric/taskmesh-go/storage/memstore"
	. "github.com/smartystreets/goconvey/convey"
)

type flakyInstances struct {
	storage.InstanceStore
	fail atomic.Bool
}

func (f *flakyInstances) UpsertInstance(ctx context.Context, ins *model.SchedulerInstance) error {
	if f.fail.Load() {
		return errors.New("db down")
	}
	return f.InstanceStore.UpsertInstance(ctx, ins)
}

func events(store *memstore.Store, name string) int {
	list, _ := store.ListEventLogs(context.Background(), "ns", name, 100)
	return len(list)
}

func TestHeartbeat(t *testing.T) {
	Convey("a beat upserts the instance row with runtime info", t, func() {
		store := memstore.New()
		aw := audit.NewWriter(store, "ns", "a", time.Hour, 10)
		hb := NewHeartbeat(store, aw, model.SchedulerInstance{Namespace: "ns", InstanceName: "a"}, 3*time.Second, func() int { return 2 })
		So(hb.Beat(context.Background()), ShouldBeNil)

		list, _ := store.ListInstances(context.Background(), "ns")
		So(len(list), ShouldEqual, 1)
		So(list[0].State, ShouldEqual, model.InstanceRunning)
		So(list[0].HeartbeatInterval, ShouldEqual, 3000)
		So(list[0].RuntimeInfo.RunningJobs, ShouldEqual, 2)
		So(list[0].Alive(time.Now(), 2), ShouldBeTrue)

		hb.SetState(model.InstancePaused)
		So(hb.Beat(context.Background()), ShouldBeNil)
		list, _ = store.ListInstances(context.Background(), "ns")
		So(list[0].State, ShouldEqual, model.InstancePaused)
	})

	Convey("three consecutive failures degrade and the next success recovers", t, func() {
		store := memstore.New()
		flaky := &flakyInstances{InstanceStore: store}
		aw := audit.NewWriter(store, "ns", "a", time.Hour, 10)
		hb := NewHeartbeat(flaky, aw, model.SchedulerInstance{Namespace: "ns", InstanceName: "a"}, time.Second, nil)
		flaky.fail.Store(true)
		for i := 0; i < 2; i++ {
			So(hb.Beat(context.Background()), ShouldNotBeNil)
		}
		So(hb.Degraded(), ShouldBeFalse)
		So(hb.Beat(context.Background()), ShouldNotBeNil)
		So(hb.Degraded(), ShouldBeTrue)
		So(events(store, model.EventHeartbeatError), ShouldEqual, 3)
		So(events(store, model.EventDegraded), ShouldEqual, 1)

		flaky.fail.Store(false)
		So(hb.Beat(context.Background()), ShouldBeNil)
		So(hb.Degraded(), ShouldBeFalse)
		So(events(store, model.EventRecovered), ShouldEqual, 1)
	})
}

func TestLiveView(t *testing.T) {
	Convey("only fresh heartbeats are live and dead rows are pruned", t, func() {
		ctx := context.Background()
		store := memstore.New()
		now := time.Now()
		put := func(name, state string, last time.Time) {
			_ = store.UpsertInstance(ctx, &model.SchedulerInstance{Namespace: "ns", InstanceName: name,
				LastHeartbeatTime: last, HeartbeatInterval: 1000, State: state})
		}
		put("c", model.InstanceRunning, now)
		put("a", model.InstancePaused, now)
		put("b", model.InstanceRunning, now.Add(-5*time.Second))

		v := NewLiveView(store, lock.NewRow(store, time.Minute), "ns", time.Second)
		live, err := v.Refresh(ctx)
		So(err, ShouldBeNil)
		So(len(live), ShouldEqual, 2)
		So(live[0].InstanceName, ShouldEqual, "a")
		So(live[1].InstanceName, ShouldEqual, "c")

		eligible := v.Eligible()
		So(len(eligible), ShouldEqual, 1)
		So(eligible[0].InstanceName, ShouldEqual, "c")

		all, _ := store.ListInstances(ctx, "ns")
		So(len(all), ShouldEqual, 2)
	})
}

type fakeHandler struct {
	paused, resumed atomic.Int32
	jobs            []int64
}

func (h *fakeHandler) Pause(ctx context.Context) error  { h.paused.Add(1); return nil }
func (h *fakeHandler) Resume(ctx context.Context) error { h.resumed.Add(1); return nil }
func (h *fakeHandler) ExecJob(ctx context.Context, jobID int64) error {
	h.jobs = append(h.jobs, jobID)
	return nil
}

func TestCommands(t *testing.T) {
	Convey("commands are claimed once and pause/resume only apply when addressed to self", t, func() {
		ctx := context.Background()
		store := memstore.New()
		h := &fakeHandler{}
		cmds := NewCommands(store, audit.NewWriter(store, "ns", "a", time.Hour, 10), h, "ns", "a", time.Second, time.Minute)

		exec, err := EnqueueCommand(ctx, store, "ns", "", model.CmdInfo{Operation: model.CmdOpExecJob, JobID: 42})
		So(err, ShouldBeNil)
		pause, _ := EnqueueCommand(ctx, store, "ns", "a", model.CmdInfo{Operation: model.CmdOpPause})
		broadcast, _ := EnqueueCommand(ctx, store, "ns", "", model.CmdInfo{Operation: model.CmdOpResume})
		other, _ := EnqueueCommand(ctx, store, "ns", "b", model.CmdInfo{Operation: model.CmdOpPause})

		n, err := cmds.Poll(ctx)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 3)
		So(h.jobs, ShouldResemble, []int64{42})
		So(h.paused.Load(), ShouldEqual, 1)
		So(h.resumed.Load(), ShouldEqual, 0)
		for _, id := range []int64{exec.ID, pause.ID, broadcast.ID} {
			cmd, _ := store.GetCmd(ctx, id)
			So(cmd.State, ShouldEqual, model.CmdDone)
		}
		cmd, _ := store.GetCmd(ctx, other.ID)
		So(cmd.State, ShouldEqual, model.CmdPending)

		n, _ = cmds.Poll(ctx)
		So(n, ShouldEqual, 0)

		ok, err := WaitCommand(ctx, store, exec.ID, 10*time.Millisecond)
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
	})

	Convey("an unknown operation stays claimed, is reported once as stale and never retried", t, func() {
		ctx := context.Background()
		store := memstore.New()
		cmds := NewCommands(store, audit.NewWriter(store, "ns", "a", time.Hour, 10), &fakeHandler{}, "ns", "a", time.Second, time.Minute)

		_, err := EnqueueCommand(ctx, store, "ns", "a", model.CmdInfo{Operation: "reboot"})
		So(errors.Is(err, ErrUnknownCmd), ShouldBeTrue)

		bad := &model.SchedulerCmd{Namespace: "ns", InstanceName: "a", CmdInfo: model.CmdInfo{Operation: "reboot"}}
		_ = store.AddCmd(ctx, bad)
		n, _ := cmds.Poll(ctx)
		So(n, ShouldEqual, 1)
		got, _ := store.GetCmd(ctx, bad.ID)
		So(got.State, ShouldEqual, model.CmdClaimed)
		So(events(store, model.EventExecCmdError), ShouldEqual, 1)

		cmds.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		n, err = cmds.CheckStale(ctx)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		n, _ = cmds.CheckStale(ctx)
		So(n, ShouldEqual, 0)
		So(events(store, model.EventStaleCmd), ShouldEqual, 1)

		n, _ = cmds.Poll(ctx)
		So(n, ShouldEqual, 0)
	})

	Convey("waiting on a deleted command returns false", t, func() {
		ok, err := WaitCommand(context.Background(), memstore.New(), 1, 10*time.Millisecond)
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)
	})
}

func newMaintenance(store *memstore.Store, retention time.Duration) *Maintenance {
	return NewMaintenance(MaintenanceOptions{Store: store, Locker: lock.NewRow(store, time.Minute),
		Audit: audit.NewWriter(store, "ns", "a", time.Hour, 10), Namespace: "ns", Retention: retention})
}

func TestMaintenance(t *testing.T) {
	Convey("clear logs respects retention", t, func() {
		ctx := context.Background()
		store := memstore.New()
		old := time.Now().Add(-2 * time.Hour)
		_ = store.AddTriggerLog(ctx, &model.TriggerLog{Namespace: "ns", JobID: 1, FireTime: old})
		_ = store.AddTriggerLog(ctx, &model.TriggerLog{Namespace: "ns", JobID: 1, FireTime: time.Now()})
		_ = store.AddJobLog(ctx, &model.JobLog{Namespace: "ns", JobID: 1, FireTime: old})

		res, _, err := newMaintenance(store, 0).ClearLogs(ctx)
		So(err, ShouldBeNil)
		So(res.TriggerLogs, ShouldEqual, 0)

		m := newMaintenance(store, time.Hour)
		res, _, err = m.ClearLogs(ctx)
		So(err, ShouldBeNil)
		So(res.TriggerLogs, ShouldEqual, 1)
		So(res.JobLogs, ShouldEqual, 1)
		left, _ := store.ListTriggerLogs(ctx, "ns", 1, 10)
		So(len(left), ShouldEqual, 1)
	})

	Convey("data check reports missing payloads and bad triggers", t, func() {
		ctx := context.Background()
		store := memstore.New()
		job := &model.Job{Namespace: "ns", Type: model.JobTypeShell, LoadBalance: model.BalancePreempt}
		_ = store.SaveJob(ctx, job)
		_ = store.SaveTrigger(ctx, &model.Trigger{Namespace: "ns", JobID: job.ID, Type: model.TriggerCron, Cron: "bad",
			MisfireStrategy: model.MisfireIgnore})
		_ = store.SaveTrigger(ctx, &model.Trigger{Namespace: "ns", JobID: 999, Type: model.TriggerFixed, FixedInterval: 5,
			MisfireStrategy: 7})

		m := newMaintenance(store, 0)
		problems, err := m.DataCheck(ctx)
		So(err, ShouldBeNil)
		So(len(problems), ShouldEqual, 4)
		So(events(store, model.EventDataCheckError), ShouldEqual, 1)

		problems, _ = m.DataCheck(ctx)
		So(problems, ShouldBeEmpty)
		So(events(store, model.EventDataCheckError), ShouldEqual, 1)
	})

	Convey("reports are collected from the first fire day through yesterday", t, func() {
		ctx := context.Background()
		store := memstore.New()
		now := time.Now()
		_ = store.AddTriggerLog(ctx, &model.TriggerLog{Namespace: "ns", JobID: 1, FireTime: now.AddDate(0, 0, -3)})
		_ = store.AddTriggerLog(ctx, &model.TriggerLog{Namespace: "ns", JobID: 1, FireTime: now.AddDate(0, 0, -1), MisFired: true})
		_ = store.AddJobLog(ctx, &model.JobLog{Namespace: "ns", JobID: 1, FireTime: now.AddDate(0, 0, -1), Status: model.JobLogFailed})

		m := newMaintenance(store, 0)
		n, err := m.CollectReport(ctx)
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 3)
		reports := store.Reports("ns")
		So(len(reports), ShouldEqual, 3)
		So(reports[0].TriggerCount, ShouldEqual, 1)
		So(reports[1].TriggerCount, ShouldEqual, 0)
		So(reports[2].MisfireCount, ShouldEqual, 1)
		So(reports[2].JobErrCount, ShouldEqual, 1)

		n, _ = m.CollectReport(ctx)
		So(n, ShouldEqual, 1)
	})
}
