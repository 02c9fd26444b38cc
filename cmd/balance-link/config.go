package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mlukasch/balance-link/internal/transport"
)

type appConfig struct {
	transport       string
	tcpAddr         string
	btAddr          string
	btChannel       int
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	schemaPath      string
	connectTO       time.Duration
	readTO          time.Duration
	pollInterval    time.Duration
	allowedResidue  int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	hubBuffer       int
	hubPolicy       string
	discover        bool
	discoverTO      time.Duration
	sets            []string
}

// stringList collects repeatable -set flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	transp := flag.String("transport", "tcp", "Device transport: tcp|rfcomm|serial")
	tcpAddr := flag.String("addr", "192.168.4.1:3333", "TCP bridge address (when --transport=tcp)")
	btAddr := flag.String("bt-addr", "", "Bluetooth device address AA:BB:CC:DD:EE:FF (when --transport=rfcomm)")
	btChannel := flag.Int("bt-channel", 1, "Bluetooth RFCOMM channel")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --transport=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	schemaPath := flag.String("interface", "interface.json", "Path to the interface description document")
	connectTO := flag.Duration("connect-timeout", 5*time.Second, "Device connect timeout")
	readTO := flag.Duration("read-timeout", time.Second, "Per-read timeout once data is available")
	pollInterval := flag.Duration("poll-interval", 10*time.Millisecond, "Receive poll interval (0 = tightest loop)")
	allowedResidue := flag.Int("allowed-residue", 1024, "Receive buffer residue before a bufferbloat warning")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	hubBuffer := flag.Int("hub-buffer", 512, "Per-subscriber hub buffer (updates)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	discover := flag.Bool("discover", false, "Browse for bridge advertisements and exit")
	discoverTO := flag.Duration("discover-timeout", 5*time.Second, "mDNS browse duration")
	var sets stringList
	flag.Var(&sets, "set", "Transmit value key=value, applied and sent after connect (repeatable)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.transport = *transp
	cfg.tcpAddr = *tcpAddr
	cfg.btAddr = *btAddr
	cfg.btChannel = *btChannel
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.schemaPath = *schemaPath
	cfg.connectTO = *connectTO
	cfg.readTO = *readTO
	cfg.pollInterval = *pollInterval
	cfg.allowedResidue = *allowedResidue
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.hubBuffer = *hubBuffer
	cfg.hubPolicy = *hubPolicy
	cfg.discover = *discover
	cfg.discoverTO = *discoverTO
	cfg.sets = sets

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or sockets – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.transport {
	case "tcp", "rfcomm", "serial":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.transport == "rfcomm" {
		if _, err := transport.ParseBDAddr(c.btAddr); err != nil {
			return fmt.Errorf("bt-addr: %w", err)
		}
		if c.btChannel < 1 || c.btChannel > 30 {
			return fmt.Errorf("bt-channel must be in 1..30 (got %d)", c.btChannel)
		}
	}
	if c.transport == "tcp" && c.tcpAddr == "" {
		return errors.New("addr must not be empty")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.schemaPath == "" {
		return errors.New("interface path must not be empty")
	}
	if c.connectTO <= 0 {
		return errors.New("connect-timeout must be > 0")
	}
	if c.readTO <= 0 {
		return errors.New("read-timeout must be > 0")
	}
	if c.pollInterval < 0 {
		return errors.New("poll-interval must be >= 0")
	}
	if c.allowedResidue <= 0 {
		return fmt.Errorf("allowed-residue must be > 0 (got %d)", c.allowedResidue)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.discoverTO <= 0 {
		return errors.New("discover-timeout must be > 0")
	}
	for _, kv := range c.sets {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid -set %q (want key=value)", kv)
		}
	}
	return nil
}

// applyEnvOverrides maps BALANCE_LINK_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	stringVar := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	intVar := func(flagName, env string, dst *int, min int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	durationVar := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}

	stringVar("transport", "BALANCE_LINK_TRANSPORT", &c.transport)
	stringVar("addr", "BALANCE_LINK_ADDR", &c.tcpAddr)
	stringVar("bt-addr", "BALANCE_LINK_BT_ADDR", &c.btAddr)
	intVar("bt-channel", "BALANCE_LINK_BT_CHANNEL", &c.btChannel, 1)
	stringVar("serial", "BALANCE_LINK_SERIAL", &c.serialDev)
	intVar("baud", "BALANCE_LINK_BAUD", &c.baud, 1)
	durationVar("serial-read-timeout", "BALANCE_LINK_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	stringVar("interface", "BALANCE_LINK_INTERFACE", &c.schemaPath)
	durationVar("connect-timeout", "BALANCE_LINK_CONNECT_TIMEOUT", &c.connectTO)
	durationVar("read-timeout", "BALANCE_LINK_READ_TIMEOUT", &c.readTO)
	durationVar("poll-interval", "BALANCE_LINK_POLL_INTERVAL", &c.pollInterval)
	intVar("allowed-residue", "BALANCE_LINK_ALLOWED_RESIDUE", &c.allowedResidue, 1)
	stringVar("log-format", "BALANCE_LINK_LOG_FORMAT", &c.logFormat)
	stringVar("log-level", "BALANCE_LINK_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("BALANCE_LINK_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	durationVar("log-metrics-interval", "BALANCE_LINK_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	intVar("hub-buffer", "BALANCE_LINK_HUB_BUFFER", &c.hubBuffer, 1)
	stringVar("hub-policy", "BALANCE_LINK_HUB_POLICY", &c.hubPolicy)
	return firstErr
}
