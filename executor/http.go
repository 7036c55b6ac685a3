package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mengeric/taskmesh-go/client"
	"github.com/mengeric/taskmesh-go/model"
)

// HTTPExecutor 发起 HTTP 请求的任务。
type HTTPExecutor struct {
	Runner client.Runner
}

// NewHTTP 构造；runner 为空时使用默认 resty 实现。
func NewHTTP(runner client.Runner) *HTTPExecutor {
	if runner == nil {
		runner = client.NewRunner()
	}
	return &HTTPExecutor{Runner: runner}
}

func (h *HTTPExecutor) Support(jobType int) bool { return jobType == model.JobTypeHTTP }

// Exec 非 2xx 或响应中缺少 SuccessCheck 子串均视为失败。
func (h *HTTPExecutor) Exec(ctx context.Context, jc *JobContext) error {
	p, err := jc.Store.GetHTTPJob(ctx, jc.Job.ID)
	if err != nil {
		return fmt.Errorf("load http job %d: %w", jc.Job.ID, err)
	}
	req := client.Request{Method: p.Method, URL: p.URL, Headers: p.Headers, Body: p.Body}
	if p.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	jc.Println(fmt.Sprintf("%s %s", strings.ToUpper(p.Method), p.URL))
	res, err := h.Runner.Do(ctx, req)
	if err != nil {
		return err
	}
	jc.Println(fmt.Sprintf("status=%d elapsed=%s", res.StatusCode, res.Elapsed))
	if res.Body != "" {
		jc.Println(res.Body)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("http status %d", res.StatusCode)
	}
	if p.SuccessCheck != "" && !strings.Contains(res.Body, p.SuccessCheck) {
		return fmt.Errorf("response does not contain %q", p.SuccessCheck)
	}
	return nil
}
