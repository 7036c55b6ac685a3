package audit

import (
	"context"
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
	"github.com/mengeric/taskmesh-go/model"
	"github.com/mengeric/taskmesh-go/storage/memstore"
	. "github.com/smartystreets/goconvey/convey"
)

func TestConsoleBatching(t *testing.T) {
	Convey("console lines are numbered from 1 and flushed on close", t, func() {
		store := memstore.New()
		w := NewWriter(store, "ns", "node-a", time.Hour, 100)
		w.Start(context.Background())

		sink := w.Console(1, 42)
		sink.Print("a")
		sink.Print("b")
		sink.Print("c")
		w.Close()

		list, err := store.ListConsoleLogs(context.Background(), "ns", 42)
		So(err, ShouldBeNil)
		So(len(list), ShouldEqual, 3)
		So(list[0].LineNum, ShouldEqual, 1)
		So(list[2].LineNum, ShouldEqual, 3)
		So(list[2].Content, ShouldEqual, "c")
		So(list[0].InstanceName, ShouldEqual, "node-a")
	})

	Convey("a full batch is written without waiting for the ticker", t, func() {
		store := memstore.New()
		w := NewWriter(store, "ns", "node-a", time.Hour, 2)
		w.Start(context.Background())
		defer w.Close()
		sink := w.Console(1, 7)
		sink.Print("x")
		sink.Print("y")
		So(func() bool {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				list, _ := store.ListConsoleLogs(context.Background(), "ns", 7)
				if len(list) == 2 {
					return true
				}
				time.Sleep(10 * time.Millisecond)
			}
			return false
		}(), ShouldBeTrue)
	})
}

func TestLogHook(t *testing.T) {
	Convey("job scoped logs land in the console of that execution", t, func() {
		store := memstore.New()
		w := NewWriter(store, "ns", "node-a", time.Hour, 100)
		w.Start(context.Background())
		w.Console(1, 9)
		hook := w.Hook()

		ctx := logging.WithJobRef(context.Background(), logging.JobRef{Namespace: "ns", JobID: 1, JobLogID: 9})
		hook(ctx, logging.LevelInfo, "step done", "n", 3)
		hook(context.Background(), logging.LevelInfo, "ignored")
		w.Release(9)
		hook(ctx, logging.LevelInfo, "after release")
		w.Close()

		list, _ := store.ListConsoleLogs(context.Background(), "ns", 9)
		So(len(list), ShouldEqual, 1)
		So(list[0].Content, ShouldEqual, "INFO step done n=3")
	})
}

func TestSyncLogs(t *testing.T) {
	Convey("trigger, job and event logs are stamped with namespace and instance", t, func() {
		store := memstore.New()
		w := NewWriter(store, "ns", "node-a", time.Hour, 10)
		ctx := context.Background()
		So(w.TriggerLog(ctx, &model.TriggerLog{JobID: 1, FireTime: time.Now()}), ShouldBeNil)
		So(w.JobLog(ctx, &model.JobLog{JobID: 1, FireTime: time.Now()}), ShouldBeNil)
		w.Event(ctx, model.EventStarted, "boot")

		tl, _ := store.ListTriggerLogs(ctx, "ns", 1, 10)
		So(len(tl), ShouldEqual, 1)
		So(tl[0].InstanceName, ShouldEqual, "node-a")
		ev, _ := store.ListEventLogs(ctx, "ns", model.EventStarted, 10)
		So(len(ev), ShouldEqual, 1)
		So(ev[0].EventInfo, ShouldEqual, "boot")
	})
}
