package metrics

import (
	"context"
	"testing"

	"github.com/mengeric/taskmesh-go/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCollect(t *testing.T) {
	Convey("collect metrics should not panic and be in range", t, func() {
		m := Collect(context.Background(), 3)
		So(m.CPUProcessors, ShouldBeGreaterThanOrEqualTo, 1)
		So(m.RunningJobs, ShouldEqual, 3)
		So(m.Goroutines, ShouldBeGreaterThan, 0)
		So(m.Score, ShouldBeBetweenOrEqual, 0, 100)
	})

	Convey("score decreases with load", t, func() {
		idle := score(model.RuntimeInfo{CPUProcessors: 4})
		busy := score(model.RuntimeInfo{CPUProcessors: 4, CPULoad: 4, MemUsage: 0.5, DiskUsage: 0.9})
		So(idle, ShouldEqual, 100)
		So(busy, ShouldBeLessThan, idle)
		So(score(model.RuntimeInfo{CPUProcessors: 1, CPULoad: 50}), ShouldEqual, 0)
	})
}
