package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/deseer/ws-dispatcher/config"
	"github.com/deseer/ws-dispatcher/inbound"
	"github.com/deseer/ws-dispatcher/outbound"
	"github.com/deseer/ws-dispatcher/router"
	"github.com/deseer/ws-dispatcher/store"
	"github.com/deseer/ws-dispatcher/store/postgres"
	"github.com/deseer/ws-dispatcher/store/sqlite"
)

var version = "dev"

func main() {
	confPath := env("CONFIG_PATH", "config/config.yaml")

	fmt.Printf("ws-dispatcher %s\n", version)

	cfg, err := config.Load(confPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	log := setupLogger(cfg.Logging)
	log.Info("正在启动 WebSocket 指令分配器...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer st.Close()

	pool := outbound.NewPool(log.WithField("component", "outbound"))
	for _, cc := range cfg.Connections {
		pool.Add(outbound.Config{
			ID:                cc.ID,
			Name:              cc.Name,
			URL:               cc.URL,
			Token:             cc.Token,
			AutoReconnect:     cc.Reconnects(),
			ReconnectInterval: time.Duration(cc.ReconnectInterval) * time.Second,
			AllowForward:      cc.AllowForward,
		})
	}

	rt := router.New(st, pool, log.WithField("component", "router"))
	if err := rt.Reload(cfg); err != nil {
		log.Fatalf("catalog: %v", err)
	}

	srv := inbound.New(rt, st, log.WithField("component", "inbound"))

	// Fan-back path: every frame a downstream bot sends reaches all attached
	// chat adapters.
	pool.SetHandler(func(connID string, frame []byte) {
		log.Debugf("回传来自 %s 的消息: %.100s", connID, frame)
		srv.Broadcast(frame)
	})

	pool.ConnectAll()

	wsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WSPort),
		Handler: srv.Handler(),
	}
	go func() {
		log.Infof("WebSocket 服务端启动: ws://%s", wsSrv.Addr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ws server: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, srv.ClientCount())
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		log.Infof("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	log.Info("WebSocket 指令分配器启动完成!")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("正在关闭 WebSocket 指令分配器...")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	wsSrv.Shutdown(shutCtx)
	httpSrv.Shutdown(shutCtx)
	pool.StopAll()

	log.Info("WebSocket 指令分配器已关闭")
}

// openStore selects the store implementation by DSN: postgres:// and
// postgresql:// DSNs open the Postgres store, anything else is a SQLite file
// path with an optional sqlite: prefix.
func openStore(ctx context.Context, dsn string) (store.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(ctx, dsn)
	}
	return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
}

func setupLogger(cfg config.Logging) *logrus.Logger {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warnf("日志文件打开失败: %v", err)
		} else {
			log.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}
	return log
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
