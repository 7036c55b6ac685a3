package taskmesh

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mengeric/taskmesh-go/logging"
)

// WithSignalCancel 创建一个可响应系统信号（如 SIGINT/SIGTERM）的上下文。
// 参数：
//   - parent：父级上下文；
//   - signals：可选信号列表，留空则默认使用 SIGINT、SIGTERM。
//
// 返回：
//   - ctx：当接收到任一信号时 Done() 即会关闭；
//   - stop：释放底层 signal 监听的函数，通常在退出时 defer 调用。
func WithSignalCancel(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	return signal.NotifyContext(parent, signals...)
}

// Run 启动调度器并阻塞到收到退出信号或 ctx 结束，然后在 timeout 内优雅停止。
// 返回：启动失败的错误，或停止时等待在途任务超时的错误。
func Run(ctx context.Context, s *Scheduler, timeout time.Duration) error {
	sctx, stop := WithSignalCancel(ctx)
	defer stop()
	// 调度器生命周期独立于信号 ctx，Shutdown 负责按顺序回收。
	if err := s.Start(context.WithoutCancel(sctx)); err != nil {
		return err
	}
	<-sctx.Done()
	logging.L().Info(context.Background(), "shutting down scheduler", "instance", s.Name(), "timeout", timeout)

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(dctx)
}
