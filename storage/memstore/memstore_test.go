package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage"
	. "github.com/smartystreets/goconvey/convey"
)

func TestQueryNextTriggers(t *testing.T) {
	Convey("window query returns enabled triggers ordered by next fire time", t, func() {
		ctx := context.Background()
		s := New()
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		at := func(sec int) *time.Time { v := base.Add(time.Duration(sec) * time.Second); return &v }
		So(s.SaveTrigger(ctx, &model.Trigger{Namespace: "ns", NextFireTime: at(3)}), ShouldBeNil)
		So(s.SaveTrigger(ctx, &model.Trigger{Namespace: "ns", NextFireTime: at(1)}), ShouldBeNil)
		So(s.SaveTrigger(ctx, &model.Trigger{Namespace: "ns", NextFireTime: at(9)}), ShouldBeNil)
		So(s.SaveTrigger(ctx, &model.Trigger{Namespace: "ns", NextFireTime: at(2), Disable: true}), ShouldBeNil)
		So(s.SaveTrigger(ctx, &model.Trigger{Namespace: "other", NextFireTime: at(2)}), ShouldBeNil)
		So(s.SaveTrigger(ctx, &model.Trigger{Namespace: "ns"}), ShouldBeNil)

		list, err := s.QueryNextTriggers(ctx, "ns", *at(5), 10)
		So(err, ShouldBeNil)
		So(len(list), ShouldEqual, 2)
		So(list[0].NextFireTime.Equal(*at(1)), ShouldBeTrue)
		So(list[1].NextFireTime.Equal(*at(3)), ShouldBeTrue)
	})
}

func TestCmdCas(t *testing.T) {
	Convey("only one claimer wins a pending command", t, func() {
		ctx := context.Background()
		s := New()
		cmd := &model.SchedulerCmd{Namespace: "ns", CmdInfo: model.CmdInfo{Operation: model.CmdOpExecJob, JobID: 1}}
		So(s.AddCmd(ctx, cmd), ShouldBeNil)

		pending, _ := s.PendingCmds(ctx, "ns", "node-a")
		So(len(pending), ShouldEqual, 1)

		ok1, _ := s.CasCmdState(ctx, cmd.ID, model.CmdPending, model.CmdClaimed)
		ok2, _ := s.CasCmdState(ctx, cmd.ID, model.CmdPending, model.CmdClaimed)
		So(ok1, ShouldBeTrue)
		So(ok2, ShouldBeFalse)
		pending, _ = s.PendingCmds(ctx, "ns", "node-b")
		So(len(pending), ShouldEqual, 0)
	})
}

func TestRowLock(t *testing.T) {
	Convey("row lock is reentrant per owner and exclusive across owners", t, func() {
		ctx := context.Background()
		s := New()
		past := time.Now().Add(-time.Hour)
		ok, _ := s.AcquireRowLock(ctx, "L", "a", past)
		So(ok, ShouldBeTrue)
		ok, _ = s.AcquireRowLock(ctx, "L", "a", past)
		So(ok, ShouldBeTrue)
		ok, _ = s.AcquireRowLock(ctx, "L", "b", past)
		So(ok, ShouldBeFalse)

		l, _ := s.Lock("L")
		So(l.LockCount, ShouldEqual, 2)

		renewed, _ := s.RenewRowLock(ctx, "L", "a")
		So(renewed, ShouldBeTrue)
		renewed, _ = s.RenewRowLock(ctx, "L", "b")
		So(renewed, ShouldBeFalse)

		released, _ := s.ReleaseRowLock(ctx, "L", "a")
		So(released, ShouldBeTrue)
		released, _ = s.ReleaseRowLock(ctx, "L", "a")
		So(released, ShouldBeTrue)
		released, _ = s.ReleaseRowLock(ctx, "L", "a")
		So(released, ShouldBeFalse)

		ok, _ = s.AcquireRowLock(ctx, "L", "b", past)
		So(ok, ShouldBeTrue)
	})

	Convey("an expired lease can be taken over", t, func() {
		ctx := context.Background()
		s := New()
		ok, _ := s.AcquireRowLock(ctx, "L", "a", time.Now().Add(-time.Hour))
		So(ok, ShouldBeTrue)
		ok, _ = s.AcquireRowLock(ctx, "L", "b", time.Now().Add(time.Second))
		So(ok, ShouldBeTrue)
		l, _ := s.Lock("L")
		So(l.Owner, ShouldEqual, "b")
		So(l.LockCount, ShouldEqual, 1)
	})
}

func TestClearAndReport(t *testing.T) {
	Convey("clear removes old logs and report aggregates a day", t, func() {
		ctx := context.Background()
		s := New()
		day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local)
		So(s.AddTriggerLog(ctx, &model.TriggerLog{Namespace: "ns", FireTime: day.Add(time.Hour)}), ShouldBeNil)
		So(s.AddTriggerLog(ctx, &model.TriggerLog{Namespace: "ns", FireTime: day.Add(2 * time.Hour), MisFired: true}), ShouldBeNil)
		So(s.AddJobLog(ctx, &model.JobLog{Namespace: "ns", FireTime: day.Add(time.Hour), Status: model.JobLogFailed}), ShouldBeNil)
		So(s.AddJobLog(ctx, &model.JobLog{Namespace: "ns", FireTime: day.Add(25 * time.Hour)}), ShouldBeNil)

		r, err := s.BuildReport(ctx, "ns", day)
		So(err, ShouldBeNil)
		So(r.ReportDay, ShouldEqual, day.Format(storage.DayFormat))
		So(r.TriggerCount, ShouldEqual, 2)
		So(r.MisfireCount, ShouldEqual, 1)
		So(r.JobCount, ShouldEqual, 1)
		So(r.JobErrCount, ShouldEqual, 1)

		res, err := s.ClearLogs(ctx, "ns", day.Add(24*time.Hour))
		So(err, ShouldBeNil)
		So(res.TriggerLogs, ShouldEqual, 2)
		So(res.JobLogs, ShouldEqual, 1)
		left, _ := s.ListJobLogs(ctx, "ns", 0, 0)
		So(len(left), ShouldEqual, 1)
	})
}
