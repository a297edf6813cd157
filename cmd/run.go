package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grimm.is/platen/internal/config"
	"grimm.is/platen/internal/conn"
	"grimm.is/platen/internal/events"
	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
	"grimm.is/platen/internal/queue"
	"grimm.is/platen/internal/stream"
)

const shutdownTimeout = 5 * time.Second

func newSupervisor(cfg *config.Config, tokens conn.TokenSource, logger *logging.Logger, hub *events.Hub, reg *metrics.Registry) *conn.Supervisor {
	return conn.New(tokens, conn.Options{
		Host:          cfg.Printer.Host,
		Port:          cfg.Printer.Port,
		MaxRetries:    cfg.Connection.Retries(),
		RetryInterval: cfg.Connection.Interval(),
		Hub:           hub,
		Logger:        logger.WithComponent("conn"),
		Metrics:       reg,
		Identify:      cfg.Connection.ShouldIdentify(),
		ClientName:    cfg.Connection.ClientName,
	})
}

func newQueue(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry) (*queue.CommandQueue, error) {
	d, ok := queue.ParseDiscipline(cfg.Queue.Discipline)
	if !ok {
		return nil, fmt.Errorf("unknown queue discipline %q", cfg.Queue.Discipline)
	}
	return queue.New(
		queue.WithDiscipline(d),
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithLogger(logger.WithComponent("queue")),
		queue.WithMetrics(reg),
	), nil
}

// RunRun keeps the printer channel up until interrupted. With --stream it
// also feeds a G-code file through the command queue. SIGHUP forces a
// manual retry, which is the way out of the Error state.
func RunRun(args []string) error {
	flags, cf := newFlagSet("run")
	streamFile := flags.StringP("stream", "s", "", "G-code file to stream through the command queue")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(cf)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := setupLogging(cfg)

	reg := metrics.New()
	hub := events.NewHub()
	rest := newRESTClient(cfg, logger, reg)
	sup := newSupervisor(cfg, rest, logger, hub, reg)
	defer sup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		srv := startMetricsServer(cfg.Metrics.Listen, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	go logEvents(ctx, hub, logger)
	go retryOnHangup(ctx, sup, logger)

	if err := sup.Start(); err != nil {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	if *streamFile != "" {
		q, err := newQueue(cfg, logger, reg)
		if err != nil {
			return err
		}
		if q.Discipline() == queue.LIFO {
			logger.Warn("queue discipline is lifo: the file will be sent last line first")
		}

		// Hold traffic while the firmware is down.
		sup.OnNotification("notify_klippy_shutdown", func(json.RawMessage) { q.Block() })
		sup.OnNotification("notify_klippy_disconnected", func(json.RawMessage) { q.Block() })
		sup.OnNotification("notify_klippy_ready", func(json.RawMessage) { q.Unblock() })

		sender := stream.NewSender(q, sup,
			stream.WithLogger(logger.WithComponent("stream")),
			stream.WithMetrics(reg))
		go func() {
			if err := sender.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("stream sender failed", "error", err)
			}
		}()

		go func() {
			n, err := feedFile(ctx, q, *streamFile)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("stream file failed", "file", *streamFile, "error", err)
				return
			}
			logger.Info("stream file queued", "file", *streamFile, "commands", n)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// feedFile queues every G-code line of path, numbering them from 1.
func feedFile(ctx context.Context, q *queue.CommandQueue, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := stripComment(scanner.Text())
		if text == "" {
			continue
		}
		n++
		if err := q.AddCommand(ctx, q.NewCommand(text, n), queue.AddOptions{Block: true}); err != nil {
			return n - 1, err
		}
	}
	return n, scanner.Err()
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func startMetricsServer(addr string, reg *metrics.Registry, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func logEvents(ctx context.Context, hub *events.Hub, logger *logging.Logger) {
	ch := hub.Subscribe(64)
	defer hub.Unsubscribe(ch)

	log := logger.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			switch data := e.Data.(type) {
			case events.StateChangeData:
				log.Info("connection state", "from", data.From, "to", data.To, "event", data.Event, "attempts", data.Attempts)
				if data.To == conn.StateError.String() {
					log.Error("connection gave up; send SIGHUP to retry")
				}
			case events.NotificationData:
				log.Debug("host notification", "method", data.Method)
			case events.ProtocolErrorData:
				log.Warn("protocol error", "reason", data.Reason, "detail", data.Detail)
			}
		}
	}
}

func retryOnHangup(ctx context.Context, sup *conn.Supervisor, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := sup.Retry(); err != nil {
				logger.Warn("manual retry failed", "error", err)
			}
		}
	}
}
