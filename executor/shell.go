package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mengeric/taskmesh-go/model"
	"golang.org/x/sync/errgroup"
)

// ShellExecutor 将脚本写入工作目录后用对应解释器执行。
// 目录结构：workDir/<jobId>_<name>/<jobLogId><suffix>，以及追加写入的 out.log / err.log。
type ShellExecutor struct {
	WorkDir string
	Timeout time.Duration // ShellJob 未设置超时时使用
}

// NewShell 构造；timeout<=0 时默认 600 秒。
func NewShell(workDir string, timeout time.Duration) *ShellExecutor {
	if workDir == "" {
		workDir = "shell_job"
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &ShellExecutor{WorkDir: workDir, Timeout: timeout}
}

func (s *ShellExecutor) Support(jobType int) bool { return jobType == model.JobTypeShell }

var unsafeName = regexp.MustCompile(`[^\w.-]+`)

// ExitError 脚本以非零退出码结束。
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("shell exited with code %d", e.Code) }

func (s *ShellExecutor) Exec(ctx context.Context, jc *JobContext) error {
	p, err := jc.Store.GetShellJob(ctx, jc.Job.ID)
	if err != nil {
		return fmt.Errorf("load shell job %d: %w", jc.Job.ID, err)
	}
	spec, ok := model.ShellTypes[strings.ToLower(p.ShellType)]
	if !ok {
		return fmt.Errorf("unsupported shell type %q", p.ShellType)
	}
	dir := filepath.Join(s.WorkDir, fmt.Sprintf("%d_%s", jc.Job.ID, unsafeName.ReplaceAllString(jc.Job.Name, "_")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	script, err := filepath.Abs(filepath.Join(dir, fmt.Sprintf("%d%s", jc.JobLogID, spec.Suffix)))
	if err != nil {
		return err
	}
	if err := os.WriteFile(script, []byte(p.Content), 0o755); err != nil {
		return err
	}
	defer os.Remove(script)

	timeout := s.Timeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, spec.Command[1:]...), script)
	cmd := exec.CommandContext(ctx, spec.Command[0], args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	outLog, err := openLog(filepath.Join(dir, "out.log"))
	if err != nil {
		return err
	}
	defer outLog.Close()
	errLog, err := openLog(filepath.Join(dir, "err.log"))
	if err != nil {
		return err
	}
	defer errLog.Close()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Command[0], err)
	}
	var consoleMu sync.Mutex
	emit := func(line string) {
		consoleMu.Lock()
		defer consoleMu.Unlock()
		jc.Println(line)
	}
	var g errgroup.Group
	g.Go(func() error { return pump(stdout, outLog, emit) })
	g.Go(func() error { return pump(stderr, errLog, emit) })
	copyErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("shell timeout after %s: %w", timeout, ctx.Err())
	}
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return &ExitError{Code: ee.ExitCode()}
		}
		return waitErr
	}
	if copyErr != nil && !errors.Is(copyErr, os.ErrClosed) {
		return copyErr
	}
	return nil
}

// openLog 以追加方式打开日志文件并写入本次执行的时间头。
func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "\n==== %s ====\n", time.Now().Format(time.DateTime)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// pump 按行复制输出到文件与控制台。
func pump(r io.Reader, w io.Writer, emit func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
		emit(line)
	}
	return sc.Err()
}
