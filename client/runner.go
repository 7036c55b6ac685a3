// Package client 封装 HTTP 任务对外发起的请求。
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request HTTP 任务的一次请求。
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// Response 请求结果。
type Response struct {
	StatusCode int
	Body       string
	Elapsed    time.Duration
}

// Runner 发起 HTTP 请求的接口，便于 gomock 打桩。
type Runner interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// restyRunner 基于 resty 的实现。
type restyRunner struct{ r *resty.Client }

// NewRunner 构造默认 Runner。
// 说明：任务自身有重试机制，这里不开启 resty 的自动重试。
func NewRunner() Runner {
	r := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", "taskmesh-go")
	return &restyRunner{r: r}
}

// NewRunnerWith 包装已有的 resty 客户端。
func NewRunnerWith(r *resty.Client) Runner { return &restyRunner{r: r} }

// Do 执行请求。
// 参数：Method 为空时按 GET；Timeout>0 时作为本次请求的截止时间。
// 返回：传输层错误时 err 非 nil；非 2xx 不视为错误，由调用方判断。
func (h *restyRunner) Do(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("http request without url")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	r := h.r.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Body != "" {
		r.SetBody(req.Body)
	}
	res, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	return &Response{StatusCode: res.StatusCode(), Body: res.String(), Elapsed: res.Time()}, nil
}
