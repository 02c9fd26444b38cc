package main

import (
	"fmt"

	"github.com/mlukasch/balance-link/internal/transport"
)

func buildDialer(cfg *appConfig) (transport.Dialer, error) {
	switch cfg.transport {
	case "tcp":
		return transport.TCP(cfg.tcpAddr, cfg.connectTO), nil
	case "rfcomm":
		return transport.RFCOMM(cfg.btAddr, uint8(cfg.btChannel), cfg.connectTO), nil
	case "serial":
		return transport.Serial(cfg.serialDev, cfg.baud, cfg.serialReadTO), nil
	}
	return nil, fmt.Errorf("unknown transport: %s", cfg.transport)
}
