package taskmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/mengeric/taskmesh-go/storage/memstore"
	. "github.com/smartystreets/goconvey/convey"
)

type rawResponse struct {
	Status bool            `json:"status"`
	Msg    string          `json:"msg"`
	Obj    json.RawMessage `json:"obj"`
}

func call(method, rawURL string) rawResponse {
	req, err := http.NewRequest(method, rawURL, nil)
	So(err, ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	So(resp.StatusCode, ShouldEqual, http.StatusOK)
	var out rawResponse
	So(json.NewDecoder(resp.Body).Decode(&out), ShouldBeNil)
	return out
}

func TestAdmin(t *testing.T) {
	Convey("the admin surface validates crons, lists instances and enqueues commands", t, func() {
		store := memstore.New()
		job := saveFuncJob(store)
		c := testConfig("node-a")
		c.Admin.Listen = "127.0.0.1:0"
		s := newTestScheduler(store, c)
		So(s.Start(context.Background()), ShouldBeNil)
		defer shutdown(s)
		So(s.AdminAddr(), ShouldNotBeEmpty)
		base := "http://" + s.AdminAddr()

		Convey("cron preview", func() {
			out := call(http.MethodGet, base+"/cron/validate?n=3&cron="+url.QueryEscape("*/5 * * * * *"))
			So(out.Status, ShouldBeTrue)
			var times []time.Time
			So(json.Unmarshal(out.Obj, &times), ShouldBeNil)
			So(len(times), ShouldEqual, 3)
			So(times[1].Sub(times[0]), ShouldEqual, 5*time.Second)

			out = call(http.MethodGet, base+"/cron/validate?cron="+url.QueryEscape("61 * * * * *"))
			So(out.Status, ShouldBeFalse)
			out = call(http.MethodGet, base+"/cron/validate")
			So(out.Status, ShouldBeFalse)
		})

		Convey("instance list marks self and liveness", func() {
			out := call(http.MethodGet, base+"/instances")
			So(out.Status, ShouldBeTrue)
			var list []InstanceView
			So(json.Unmarshal(out.Obj, &list), ShouldBeNil)
			So(len(list), ShouldEqual, 1)
			So(list[0].Name, ShouldEqual, "node-a")
			So(list[0].Self, ShouldBeTrue)
			So(list[0].Alive, ShouldBeTrue)
		})

		Convey("exec waits for the command and the run shows up in the logs", func() {
			runs.Store(0)
			out := call(http.MethodPost, fmt.Sprintf("%s/jobs/%d/exec?wait=true", base, job.ID))
			So(out.Status, ShouldBeTrue)
			var view CmdView
			So(json.Unmarshal(out.Obj, &view), ShouldBeNil)
			So(view.Done, ShouldBeTrue)
			So(s.drain(context.Background()), ShouldBeNil)
			So(runs.Load(), ShouldEqual, 1)

			out = call(http.MethodGet, fmt.Sprintf("%s/jobs/%d/logs", base, job.ID))
			So(out.Status, ShouldBeTrue)
			var logs JobLogsView
			So(json.Unmarshal(out.Obj, &logs), ShouldBeNil)
			So(len(logs.TriggerLogs), ShouldEqual, 1)
			So(len(logs.JobLogs), ShouldEqual, 1)
			So(logs.TriggerLogs[0].IsManual, ShouldBeTrue)
		})

		Convey("unknown jobs and bad ids are rejected", func() {
			So(call(http.MethodPost, base+"/jobs/404/exec").Status, ShouldBeFalse)
			So(call(http.MethodPost, base+"/jobs/abc/exec").Status, ShouldBeFalse)
			So(call(http.MethodGet, base+"/jobs/abc/logs").Status, ShouldBeFalse)
		})

		Convey("pause through the admin surface", func() {
			out := call(http.MethodPost, base+"/instances/node-a/pause?wait=true")
			So(out.Status, ShouldBeTrue)
			So(s.State(), ShouldEqual, StatePaused)
		})
	})
}
