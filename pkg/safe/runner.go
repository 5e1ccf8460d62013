package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"tradepulse.com/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	go func() {
		defer recoverAndLog(context.Background(), "")
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，日志里保留 request/session 链路信息。
func GoCtx(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx, name)
		fn(ctx)
	}()
}

// GoWG 同 GoCtx，额外挂到 WaitGroup 上，优雅退出时可以等它结束
func GoWG(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	GoCtx(ctx, name, func(ctx context.Context) {
		defer wg.Done()
		fn(ctx)
	})
}

func recoverAndLog(ctx context.Context, name string) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("🚨 GOROUTINE PANIC: %v\nStack: %s\n", r, stack)
}
