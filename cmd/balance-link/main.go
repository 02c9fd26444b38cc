package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mlukasch/balance-link/internal/hub"
	"github.com/mlukasch/balance-link/internal/iface"
	"github.com/mlukasch/balance-link/internal/link"
	"github.com/mlukasch/balance-link/internal/metrics"
	"github.com/mlukasch/balance-link/internal/task"
)

// Helper implementations live in dedicated files: version.go, config.go, logger.go, dialer.go, hub_init.go, discover.go, metrics_logger.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("balance-link %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.discover {
		if err := runDiscover(ctx, cfg, l); err != nil {
			l.Error("discover_error", "error", err)
			os.Exit(1)
		}
		return
	}

	schema, err := iface.LoadSchema(cfg.schemaPath)
	if err != nil {
		l.Error("interface_load_error", "path", cfg.schemaPath, "error", err)
		os.Exit(1)
	}
	dial, err := buildDialer(cfg)
	if err != nil {
		l.Error("transport_init_error", "error", err)
		os.Exit(1)
	}
	lnk, err := link.New(dial, schema, link.Options{
		ReadTimeout:    cfg.readTO,
		AllowedResidue: cfg.allowedResidue,
	})
	if err != nil {
		l.Error("link_init_error", "error", err)
		os.Exit(1)
	}

	h := initHub(cfg, l)
	for _, key := range lnk.RX().Leaves() {
		key := key
		if err := lnk.RX().OnSet(key, func(v iface.Stamped) {
			h.Publish(hub.Update{Key: key, Value: v})
		}); err != nil {
			l.Warn("telemetry_hook_error", "key", key, "error", err)
		}
	}

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	metrics.SetReadinessFunc(func() bool {
		return ctx.Err() == nil && lnk.State() == link.StateConnected
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	l.Info("connecting", "transport", cfg.transport)
	if err := lnk.Connect(ctx); err != nil {
		l.Error("connect_error", "error", err)
		os.Exit(1)
	}
	l.Info("connected")

	if len(cfg.sets) > 0 {
		overrides, err := parseSets(cfg.sets)
		if err != nil {
			l.Error("set_parse_error", "error", err)
			os.Exit(1)
		}
		if err := lnk.Send(overrides); err != nil {
			l.Error("send_error", "error", err)
			os.Exit(1)
		}
		l.Info("setpoints_sent", "count", len(overrides))
	}

	sub := h.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Closed:
				return
			case u := <-sub.Out:
				l.Info("telemetry", "key", u.Key, "value", u.Value.Value, "t", u.Value.Timestamp)
			}
		}
	}()

	rxTask := task.NewRepeating(func() (any, error) {
		payload, err := lnk.Receive()
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := lnk.Deserialize(payload); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, task.Hooks{
		OnError: func(err error) {
			switch {
			case errors.Is(err, link.ErrRemoteClosed):
				l.Info("device_closed_connection")
				cancel()
			case errors.Is(err, link.ErrInvalidData):
				l.Warn("invalid_payload", "error", err)
			default:
				l.Error("receive_error", "error", err)
				cancel()
			}
		},
	}, cfg.pollInterval)
	if err := rxTask.Start(); err != nil {
		l.Error("receive_task_error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	l.Info("shutting_down")
	rxTask.Stop()
	lnk.Disconnect()
	h.Unsubscribe(sub)
	wg.Wait()
}

// parseSets turns repeated key=value flags into typed override values. Values
// are decoded as JSON literals (numbers, booleans, quoted strings); anything
// that does not decode is passed through as a plain string.
func parseSets(kvs []string) (map[string]any, error) {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid -set %q (want key=value)", kv)
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
