package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"tradepulse.com/internal/realtime/app"
	rtconfig "tradepulse.com/internal/realtime/config"
)

func main() {
	// .env 不存在不算错误，环境变量仍然可以覆盖配置
	_ = godotenv.Load()

	// 1. 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化 App
	gw, err := app.New(rtconfig.ServiceName)
	if err != nil {
		log.Fatalf("init rt-gateway error: %v", err)
	}
	// 3. 阻塞到收到信号，内部完成会话排空
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("rt-gateway exit with error: %v", err)
	}
	log.Println("rt-gateway exit")
}
