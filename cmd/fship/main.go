package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/code-100-precent/LingBroker/client"
	"github.com/code-100-precent/LingBroker/server"
	"github.com/code-100-precent/LingBroker/utils"
)

func main() {
	// 加载 .env 文件（允许不存在）
	if err := utils.LoadEnv(""); err != nil {
		fmt.Printf("Warning: Failed to load .env file: %v\n", err)
	}

	// 命令行参数
	daemonize := flag.Bool("d", false, "Quiet mode: discard log output and the startup banner (no fork, no detach)")
	listenURL := flag.String("l", "sock://0.0.0.0:16379", "Listen URL")
	bufMB := flag.Int("M", 1, "Per-client buffer size in MB")
	adminAddr := flag.String("admin", "", "Admin HTTP address (empty disables)")
	help := flag.Bool("h", false, "Show usage")
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if *daemonize {
		// 静默模式：丢弃日志输出；进程不 fork，也不脱离终端
		log.SetOutput(io.Discard)
	}

	// 连接数据代理引擎
	dbr, err := client.Open()
	if err != nil {
		fmt.Printf("fship: failed to connect backend: %v\n", err)
		os.Exit(1)
	}
	defer dbr.Close()

	// 创建并启动转发服务
	srv, err := server.NewFShip(*listenURL, dbr, *bufMB)
	if err != nil {
		fmt.Printf("fship: invalid listen url: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		fmt.Printf("fship: failed to listen: %v\n", err)
		os.Exit(1)
	}

	// 管理端口（可选）
	if *adminAddr != "" {
		go func() {
			if err := server.ServeAdmin(srv, *adminAddr); err != nil {
				log.WithField("err", err).Error("admin endpoint failed")
			}
		}()
	}

	if !*daemonize {
		fmt.Printf("fship started on %s (buffer %d MB)\n", srv.Addr(), *bufMB)
	}

	// 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	srv.Stop()
}
