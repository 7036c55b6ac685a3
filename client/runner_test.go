package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRunner(t *testing.T) {
	Convey("runner sends method, headers and body", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(r.Header.Get("X-Token") + ":" + string(b)))
		}))
		defer ts.Close()

		res, err := NewRunner().Do(context.Background(), Request{
			Method: "post", URL: ts.URL, Headers: map[string]string{"X-Token": "t1"}, Body: `{"a":1}`,
		})
		So(err, ShouldBeNil)
		So(res.StatusCode, ShouldEqual, http.StatusAccepted)
		So(res.Body, ShouldEqual, `t1:{"a":1}`)
	})

	Convey("non-2xx is returned as a response and timeouts as errors", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/slow" {
				time.Sleep(300 * time.Millisecond)
			}
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		res, err := NewRunner().Do(context.Background(), Request{URL: ts.URL})
		So(err, ShouldBeNil)
		So(res.StatusCode, ShouldEqual, http.StatusInternalServerError)

		_, err = NewRunner().Do(context.Background(), Request{URL: ts.URL + "/slow", Timeout: 50 * time.Millisecond})
		So(err, ShouldNotBeNil)

		_, err = NewRunner().Do(context.Background(), Request{})
		So(err, ShouldNotBeNil)
	})
}
