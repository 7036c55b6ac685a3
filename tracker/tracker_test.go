package tracker

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestReentry(t *testing.T) {
	Convey("maxReentry caps concurrent runs of one job", t, func() {
		m := NewManager()
		ctx := context.Background()

		r1, n := m.Enter(ctx, 1, 100, 0)
		So(r1, ShouldNotBeNil)
		So(n, ShouldEqual, 1)
		r2, n := m.Enter(ctx, 1, 101, 0)
		So(r2, ShouldBeNil)
		So(n, ShouldEqual, 1)

		r3, _ := m.Enter(ctx, 1, 102, 1)
		So(r3, ShouldNotBeNil)
		So(m.Count(1), ShouldEqual, 2)
		So(m.Total(), ShouldEqual, 2)

		m.Leave(r1)
		m.Leave(r3)
		So(m.Count(1), ShouldEqual, 0)
		So(r1.Ctx.Err(), ShouldNotBeNil)
		So(len(m.ListIDs()), ShouldEqual, 0)
	})

	Convey("stop cancels in-flight runs", t, func() {
		m := NewManager()
		r, _ := m.Enter(context.Background(), 7, 1, 0)
		So(m.Stop(7), ShouldBeTrue)
		So(r.Ctx.Err(), ShouldEqual, context.Canceled)
		So(m.Stop(8), ShouldBeFalse)
	})
}
