package trigger

import (
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	. "github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestCron(t *testing.T) {
	Convey("cron parsing accepts five and six fields and descriptors", t, func() {
		So(ValidateCron("*/5 * * * *"), ShouldBeNil)
		So(ValidateCron("0/10 * * * * ?"), ShouldBeNil)
		So(ValidateCron("@every 30s"), ShouldBeNil)
		So(ValidateCron("not a cron"), ShouldNotBeNil)

		times, err := NextTimes("0 0 * * * *", t0, 3)
		So(err, ShouldBeNil)
		So(times, ShouldResemble, []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)})
	})

	Convey("cron next fire time is strictly increasing and idempotent", t, func() {
		tr := &model.Trigger{Type: model.TriggerCron, Cron: "*/7 * * * * *", StartTime: t0}
		now := t0
		var prev time.Time
		for i := 0; i < 20; i++ {
			a, err := NextFireTime(tr, now)
			So(err, ShouldBeNil)
			b, _ := NextFireTime(tr, now)
			So(a.Equal(*b), ShouldBeTrue)
			So(a.After(now), ShouldBeTrue)
			So(a.After(prev), ShouldBeTrue)
			prev = *a
			now = a.Add(1500 * time.Millisecond)
			tr.NextFireTime = a
		}
	})

	Convey("end time exhausts the trigger", t, func() {
		tr := &model.Trigger{Type: model.TriggerCron, Cron: "0 * * * * *", StartTime: t0, EndTime: ptr(t0.Add(30 * time.Second))}
		next, err := NextFireTime(tr, t0)
		So(err, ShouldBeNil)
		So(next, ShouldBeNil)
	})
}

func TestFixedInterval(t *testing.T) {
	Convey("fixed interval of 5s started at T0", t, func() {
		tr := &model.Trigger{Type: model.TriggerFixed, FixedInterval: 5, StartTime: t0, MisfireStrategy: model.MisfireIgnore}
		first, err := FirstFireTime(tr)
		So(err, ShouldBeNil)
		So(first.Equal(t0), ShouldBeTrue)
		tr.NextFireTime = first

		plan, err := Decide(tr, t0.Add(300*time.Millisecond), time.Second)
		So(err, ShouldBeNil)
		So(plan.Fire, ShouldBeTrue)
		So(plan.MisFired, ShouldBeFalse)
		So(plan.Next.Equal(t0.Add(5*time.Second)), ShouldBeTrue)
		tr.LastFireTime, tr.NextFireTime = ptr(t0), plan.Next

		now := t0.Add(12 * time.Second)
		So(Classify(tr, now, time.Second), ShouldEqual, Misfired)

		Convey("ignore advances to the next multiple without firing", func() {
			plan, err := Decide(tr, now, time.Second)
			So(err, ShouldBeNil)
			So(plan.Fire, ShouldBeFalse)
			So(plan.Next.Equal(t0.Add(15*time.Second)), ShouldBeTrue)
		})

		Convey("compensate fires once and resumes from now", func() {
			tr.MisfireStrategy = model.MisfireCompensate
			plan, err := Decide(tr, now, time.Second)
			So(err, ShouldBeNil)
			So(plan.Fire, ShouldBeTrue)
			So(plan.MisFired, ShouldBeTrue)
			So(plan.Next.Equal(t0.Add(15*time.Second)), ShouldBeTrue)
		})
	})

	Convey("a non-positive interval is rejected", t, func() {
		_, err := NextFireTime(&model.Trigger{Type: model.TriggerFixed, NextFireTime: ptr(t0)}, t0)
		So(err, ShouldNotBeNil)
	})
}

func TestClassify(t *testing.T) {
	Convey("classification against one tick", t, func() {
		tr := &model.Trigger{NextFireTime: ptr(t0)}
		So(Classify(tr, t0.Add(-time.Millisecond), time.Second), ShouldEqual, NotDue)
		So(Classify(tr, t0, time.Second), ShouldEqual, OnTime)
		So(Classify(tr, t0.Add(time.Second), time.Second), ShouldEqual, OnTime)
		So(Classify(tr, t0.Add(1001*time.Millisecond), time.Second), ShouldEqual, Misfired)
		So(Classify(&model.Trigger{}, t0, time.Second), ShouldEqual, NotDue)
	})
}

func TestWindow(t *testing.T) {
	Convey("window returns due entries in order and honours drops", t, func() {
		w := NewWindow()
		w.Reload(t0.Add(3*time.Second), []model.Trigger{
			{ID: 2, NextFireTime: ptr(t0.Add(2 * time.Second))},
			{ID: 1, NextFireTime: ptr(t0.Add(time.Second))},
			{ID: 3, NextFireTime: ptr(t0.Add(10 * time.Second))},
		})
		So(w.Len(), ShouldEqual, 2)

		due := w.Due(t0.Add(2 * time.Second))
		So(len(due), ShouldEqual, 2)
		So(due[0].ID, ShouldEqual, 1)

		w.Drop(due[0])
		due = w.Due(t0.Add(2 * time.Second))
		So(len(due), ShouldEqual, 1)
		So(due[0].ID, ShouldEqual, 2)

		Convey("a reload with an advanced fire time brings the entry back", func() {
			w.Reload(t0.Add(8*time.Second), []model.Trigger{{ID: 1, NextFireTime: ptr(t0.Add(6 * time.Second))}})
			So(len(w.Due(t0.Add(6*time.Second))), ShouldEqual, 1)
		})
	})
}
