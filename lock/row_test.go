package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/storage/memstore"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRowLockMutualExclusion(t *testing.T) {
	Convey("only one holder at a time across goroutines", t, func() {
		l := NewRow(memstore.New(), time.Minute)
		var inside, maxInside, total atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := l.Lock(context.Background(), "L", func(ctx context.Context) error {
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					inside.Add(-1)
					total.Add(1)
					return nil
				})
				if err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		So(maxInside.Load(), ShouldEqual, 1)
		So(total.Load(), ShouldEqual, 8)
	})
}

func TestRowLockReentrantAndRelease(t *testing.T) {
	Convey("nested calls with the same owner re-enter and the lock is freed afterwards", t, func() {
		store := memstore.New()
		l := NewRow(store, time.Minute)
		ctx := context.Background()
		count := func(name string) int64 {
			row, _ := store.Lock(name)
			return row.LockCount
		}
		err := l.Lock(ctx, "L", func(ctx context.Context) error {
			ok, err := l.TryLock(ctx, "L", 0, func(ctx context.Context) error {
				So(count("L"), ShouldEqual, 2)
				return nil
			})
			So(ok, ShouldBeTrue)
			return err
		})
		So(err, ShouldBeNil)
		So(count("L"), ShouldEqual, 0)

		Convey("a panic in the body still releases", func() {
			So(func() {
				_ = l.Lock(ctx, "P", func(ctx context.Context) error { panic("boom") })
			}, ShouldPanic)
			So(count("P"), ShouldEqual, 0)
		})

		Convey("body errors propagate", func() {
			want := errors.New("fail")
			ok, err := l.TryLock(ctx, "E", time.Second, func(ctx context.Context) error { return want })
			So(ok, ShouldBeTrue)
			So(err, ShouldEqual, want)
		})
	})
}

func TestRowTryLockTimeout(t *testing.T) {
	Convey("tryLock against a long holder gives up after the timeout", t, func() {
		l := NewRow(memstore.New(), time.Minute)
		held := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = l.Lock(context.Background(), "L", func(ctx context.Context) error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		start := time.Now()
		ran := false
		ok, err := l.TryLock(context.Background(), "L", 300*time.Millisecond, func(ctx context.Context) error {
			ran = true
			return nil
		})
		elapsed := time.Since(start)
		close(release)

		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)
		So(ran, ShouldBeFalse)
		So(elapsed, ShouldBeGreaterThanOrEqualTo, 300*time.Millisecond)
		So(elapsed, ShouldBeLessThan, 2*time.Second)
	})
}

func TestRowLockRenewal(t *testing.T) {
	Convey("a holder that outlives the lease keeps the lock", t, func() {
		store := memstore.New()
		a, b := NewRow(store, 100*time.Millisecond), NewRow(store, 100*time.Millisecond)
		var inside atomic.Int32
		held := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- a.Lock(context.Background(), "job_x", func(ctx context.Context) error {
				inside.Add(1)
				close(held)
				time.Sleep(400 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
		<-held
		time.Sleep(250 * time.Millisecond)

		ok, err := b.TryLock(context.Background(), "job_x", 0, func(ctx context.Context) error {
			inside.Add(1)
			return nil
		})
		So(err, ShouldBeNil)
		So(ok, ShouldBeFalse)
		So(<-done, ShouldBeNil)
		So(inside.Load(), ShouldEqual, 0)

		row, _ := store.Lock("job_x")
		So(row.LockCount, ShouldEqual, 0)
	})
}

func TestGenericHelpers(t *testing.T) {
	Convey("With and TryWith return the body result", t, func() {
		l := NewRow(memstore.New(), time.Minute)
		v, err := With(context.Background(), l, "G", func(ctx context.Context) (int, error) { return 42, nil })
		So(err, ShouldBeNil)
		So(v, ShouldEqual, 42)

		s, ok, err := TryWith(context.Background(), l, "G", 0, func(ctx context.Context) (string, error) { return "x", nil })
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
		So(s, ShouldEqual, "x")
	})
}

func TestBackoff(t *testing.T) {
	Convey("backoff doubles from 50ms and caps at 1s", t, func() {
		b := NewBackoff()
		So(b.Next(), ShouldEqual, 50*time.Millisecond)
		So(b.Next(), ShouldEqual, 100*time.Millisecond)
		for i := 0; i < 10; i++ {
			b.Next()
		}
		So(b.Next(), ShouldEqual, time.Second)
		b.Reset()
		So(b.Next(), ShouldEqual, 50*time.Millisecond)
	})
}

func TestNativeHelpers(t *testing.T) {
	Convey("mysql names are capped and pg keys are stable", t, func() {
		long := ""
		for i := 0; i < 80; i++ {
			long += "x"
		}
		So(mysqlName("job_ns_1"), ShouldEqual, "job_ns_1")
		So(len(mysqlName(long)), ShouldBeLessThanOrEqualTo, 64)
		So(pgKey("job_ns_1"), ShouldEqual, pgKey("job_ns_1"))
		So(pgKey("job_ns_1"), ShouldNotEqual, pgKey("job_ns_2"))
		So(Supported("sqlite"), ShouldBeFalse)
	})

	Convey("factory falls back to row lock without an advisory-lock dialect", t, func() {
		l, err := New(Options{Flavor: FlavorNative, Store: memstore.New()})
		So(err, ShouldBeNil)
		_, isRow := l.(*Row)
		So(isRow, ShouldBeTrue)

		_, err = New(Options{Flavor: FlavorRedis})
		So(err, ShouldNotBeNil)
	})
}
