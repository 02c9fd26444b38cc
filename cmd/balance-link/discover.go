package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"

	"github.com/mlukasch/balance-link/internal/metrics"
)

// Robot bridges advertise themselves under this service type; discovery is a
// convenience for finding the TCP address to pass via --addr.
const mdnsServiceType = "_balance-link._tcp"

func runDiscover(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		metrics.IncError(metrics.ErrDiscover)
		return fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			l.Info("bridge_found",
				"instance", e.Instance,
				"host", e.HostName,
				"ipv4", e.AddrIPv4,
				"port", e.Port,
				"txt", e.Text,
			)
		}
	}()
	bctx, cancel := context.WithTimeout(ctx, cfg.discoverTO)
	defer cancel()
	if err := resolver.Browse(bctx, mdnsServiceType, "local.", entries); err != nil {
		metrics.IncError(metrics.ErrDiscover)
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-bctx.Done()
	<-done
	return nil
}
