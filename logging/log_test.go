package logging

import (
	"context"
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
)

func TestHookReceivesJobScopedRecords(t *testing.T) {
	Convey("hook sees records together with the job ref in context", t, func() {
		var mu sync.Mutex
		var got []string
		SetHook(func(ctx context.Context, level int, msg string, args ...any) {
			if _, ok := JobRefFrom(ctx); !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg)
		})
		defer SetHook(nil)

		l := NewWithZap(zap.NewNop()).With("instance", "a")
		l.Info(context.Background(), "no job")
		ctx := WithJobRef(context.Background(), JobRef{JobID: 1, JobLogID: 9})
		l.Warn(ctx, "step done", "n", 1)
		l.Error(ctx, "boom", "err", errors.New("x"))

		mu.Lock()
		defer mu.Unlock()
		So(got, ShouldResemble, []string{"step done", "boom"})
	})
}

func TestFieldsTolerateOddArgs(t *testing.T) {
	Convey("odd args do not panic", t, func() {
		So(len(fields([]any{"k", 1, "dangling"})), ShouldEqual, 2)
		So(len(fields([]any{42})), ShouldEqual, 1)
		So(fields(nil), ShouldBeNil)
	})
}
