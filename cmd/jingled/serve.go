package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/bridge"
	"github.com/arzzra/jingle_phone/pkg/config"
	"github.com/arzzra/jingle_phone/pkg/daemon"
	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
	"github.com/arzzra/jingle_phone/pkg/presence"
	"github.com/arzzra/jingle_phone/pkg/socks"
	"github.com/arzzra/jingle_phone/pkg/stream"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить движок",
	Long: `Запускает движок Jingle, каталог присутствия, менеджер потоков,
медиамост и помощник SOCKS5. Останавливается по SIGINT/SIGTERM.

Примеры:
  jingled serve
  jingled serve -c jingled.yaml -t 10s`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, shutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 5*time.Second,
		"время на завершение сессий при остановке")
}

// fileProxy stream host прокси сервера из конфигурации
func fileProxy(cfg socks.Config) (*jingle.StreamHost, error) {
	if cfg.Proxy == "" {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("socks.proxy: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("socks.proxy: неверный порт %q", portStr)
	}
	j, err := jid.Parse(cfg.ProxyJID)
	if err != nil {
		return nil, fmt.Errorf("socks.proxy_jid: %w", err)
	}
	return &jingle.StreamHost{JID: j, Addr: host, Port: port}, nil
}

func serveMetrics(ctx context.Context, cfg metrics.Config, log *logrus.Entry, wg *sync.WaitGroup) {
	if !cfg.Enabled || cfg.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	wg.Add(2)
	go func() {
		defer wg.Done()
		log.WithField("listen", cfg.Listen).Info("эндпоинт метрик запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("эндпоинт метрик остановлен с ошибкой")
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}

// serve собирает компоненты и работает до отмены ctx
func serve(ctx context.Context, cfg *config.Config, timeout time.Duration) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	entry := logger.WithComponent(log, "jingled")
	m := metrics.New(cfg.Metrics, prometheus.DefaultRegisterer)

	proxy, err := fileProxy(cfg.Socks)
	if err != nil {
		return err
	}

	pool := stream.NewPool(cfg.Stream.Workers, cfg.Stream.QueueSize, log, m)
	pool.Start(ctx)
	defer pool.Stop()

	journal := daemon.NewJournal(0, log)
	streams := stream.NewManager(cfg.Stream, journal, log, m)
	journal.Bind(streams)
	streams.OnUnreachable(func(s *stream.Stream, err error) {
		entry.WithError(err).WithField("remote", s.Remote.String()).Warn("удаленная сторона недоступна")
	})

	dir := presence.NewDirectory(cfg.Presence, journal, log, m)
	for _, local := range cfg.LocalJIDs() {
		dir.GetOrAddRoster(local)
	}

	br, err := bridge.NewUDPBridge(cfg.Bridge, log)
	if err != nil {
		return fmt.Errorf("медиамост: %w", err)
	}
	defer func() { _ = br.Close() }()

	helper := socks.NewTCPHelper(cfg.Socks, log)
	defer helper.Close()

	app := daemon.NewCallControl(daemon.AppConfig{
		AutoAnswer:  cfg.App.AutoAnswer,
		DownloadDir: cfg.App.DownloadDir,
	}, log)

	engine, err := jingle.NewEngine(cfg.Jingle, jingle.Deps{
		Signaler:  journal,
		Bridge:    br,
		Socks:     helper,
		App:       app,
		Presence:  dir,
		Pool:      pool,
		FileProxy: proxy,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	dispatcher := stream.NewDispatcher(journal, log, m)
	dispatcher.Attach(stream.CategoryJingle, "jingle", 0, engine.Service())
	dispatcher.Attach(stream.CategoryPresence, "presence", 0, dir.Service())
	dispatcher.Attach(stream.CategoryStream, "stream", 0, streams.Service())

	var wg sync.WaitGroup
	serveMetrics(ctx, cfg.Metrics, entry, &wg)
	wg.Add(3)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dir.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		streams.Run(ctx)
	}()

	entry.WithFields(logrus.Fields{
		"accounts": len(cfg.Account.JIDs),
		"mode":     string(cfg.Stream.Mode),
		"services": len(dispatcher.Services(stream.CategoryJingle)),
	}).Info("jingled запущен")

	<-ctx.Done()
	entry.Info("остановка")

	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := engine.Close(cctx); err != nil {
		entry.WithError(err).Warn("не все сессии завершились")
	}
	wg.Wait()
	entry.WithField("hangups", app.Hangups()).Info("jingled остановлен")
	return nil
}
