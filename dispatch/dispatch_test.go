package dispatch

import (
	"fmt"
	"testing"

	"github.com/mengeric/taskmesh-go/model"
	. "github.com/smartystreets/goconvey/convey"
)

func live(names ...string) []model.SchedulerInstance {
	out := make([]model.SchedulerInstance, 0, len(names))
	for _, n := range names {
		out = append(out, model.SchedulerInstance{InstanceName: n})
	}
	return out
}

func TestRoute(t *testing.T) {
	Convey("route strategies filter the live set", t, func() {
		nodes := live("C", "A", "B")
		So(Route(&model.Job{}, nodes), ShouldResemble, []string{"A", "B", "C"})
		So(Route(&model.Job{RouteStrategy: model.RouteWhitelist, WhitelistInstances: []string{"B", "Z"}}, nodes), ShouldResemble, []string{"B"})
		So(Route(&model.Job{RouteStrategy: model.RouteWhitelist, WhitelistInstances: []string{"Z"}}, nodes), ShouldBeEmpty)
		So(Route(&model.Job{RouteStrategy: model.RouteBlacklist, BlacklistInstances: []string{"B"}}, nodes), ShouldResemble, []string{"A", "C"})
		So(Route(&model.Job{RouteStrategy: model.RoutePreferredFirst, FirstInstances: []string{"C"}}, nodes), ShouldResemble, []string{"C"})
		So(Route(&model.Job{RouteStrategy: model.RoutePreferredFirst, FirstInstances: []string{"Z"}}, nodes), ShouldResemble, []string{"A", "B", "C"})
	})
}

func TestSelect(t *testing.T) {
	Convey("blacklisted instances are never chosen", t, func() {
		d := New()
		nodes := live("A", "B", "C")
		for i := int64(0); i < 200; i++ {
			for _, lb := range []int{model.BalanceRandom, model.BalanceRoundRobin, model.BalanceConsistentHash} {
				job := &model.Job{ID: i, RunCount: i, LoadBalance: lb, RouteStrategy: model.RouteBlacklist, BlacklistInstances: []string{"B"}}
				dec := d.Select(job, nodes, "B")
				So(dec.Chosen, ShouldNotEqual, "B")
				So(dec.Run, ShouldBeFalse)
			}
		}
		dec := d.Select(&model.Job{LoadBalance: model.BalancePreempt, RouteStrategy: model.RouteBlacklist, BlacklistInstances: []string{"B"}}, nodes, "B")
		So(dec.Run, ShouldBeFalse)
	})

	Convey("random balance agrees across instances and spreads over run counts", t, func() {
		a, b := New(), New()
		nodes := live("A", "B", "C")
		hits := map[string]int{}
		for rc := int64(0); rc < 3000; rc++ {
			job := &model.Job{ID: 7, RunCount: rc, LoadBalance: model.BalanceRandom}
			da, db := a.Select(job, nodes, "A"), b.Select(job, nodes, "B")
			So(da.Chosen, ShouldEqual, db.Chosen)
			runners := 0
			for _, self := range []string{"A", "B", "C"} {
				if New().Select(job, nodes, self).Run {
					runners++
				}
			}
			So(runners, ShouldEqual, 1)
			hits[da.Chosen]++
		}
		So(len(hits), ShouldEqual, 3)
		for _, n := range hits {
			So(n, ShouldBeGreaterThan, 600)
		}
	})

	Convey("round robin walks the sorted candidates by run count", t, func() {
		d := New()
		nodes := live("B", "A")
		So(d.Select(&model.Job{LoadBalance: model.BalanceRoundRobin, RunCount: 0}, nodes, "A").Run, ShouldBeTrue)
		So(d.Select(&model.Job{LoadBalance: model.BalanceRoundRobin, RunCount: 1}, nodes, "A").Chosen, ShouldEqual, "B")
	})

	Convey("preempt lets every candidate race", t, func() {
		d := New()
		nodes := live("A", "B")
		So(d.Select(&model.Job{LoadBalance: model.BalancePreempt}, nodes, "A").Run, ShouldBeTrue)
		So(d.Select(&model.Job{LoadBalance: model.BalancePreempt}, nodes, "B").Run, ShouldBeTrue)
		So(d.Select(&model.Job{LoadBalance: model.BalancePreempt}, nil, "A").Run, ShouldBeFalse)
	})

	Convey("consistent hash only moves keys of a departed node", t, func() {
		d := New()
		before := map[int64]string{}
		all := live("A", "B", "C", "D")
		for id := int64(1); id <= 500; id++ {
			before[id] = d.Select(&model.Job{ID: id, LoadBalance: model.BalanceConsistentHash}, all, "").Chosen
		}
		less := live("A", "B", "C")
		moved := 0
		for id := int64(1); id <= 500; id++ {
			now := d.Select(&model.Job{ID: id, LoadBalance: model.BalanceConsistentHash}, less, "").Chosen
			if before[id] != "D" {
				So(now, ShouldEqual, before[id])
			} else {
				moved++
			}
		}
		So(moved, ShouldBeGreaterThan, 0)
		So(fmt.Sprint(len(d.rings)), ShouldEqual, "2")
	})
}
