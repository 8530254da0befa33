package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	iface        string
	deviceIP     string
	action       string
	address      uint32
	size         int
	value        uint32
	gvcpTimeout  time.Duration
	gvcpRetries  int
	logFormat    string
	logLevel     string
	metricsAddr  string
	discoverWindow time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	iface := flag.String("iface", "", "Network interface to bind (required for discover/open)")
	deviceIP := flag.String("device", "", "Device IPv4 address (required except for discover)")
	action := flag.String("action", "discover", "Action: discover|read-register|write-register|read-memory")
	address := flag.String("address", "0x0", "Register/memory address (hex with 0x prefix or decimal)")
	size := flag.Int("size", 4, "Byte count for read-memory")
	value := flag.String("value", "0x0", "Value for write-register (hex with 0x prefix or decimal)")
	gvcpTimeout := flag.Duration("gvcp-timeout", 0, "GVCP per-attempt timeout (0 = package default)")
	gvcpRetries := flag.Int("gvcp-retries", -1, "GVCP additional retries beyond the first attempt (-1 = package default)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	discoverWindow := flag.Duration("discover-window", 0, "Discovery collection window (0 = package default)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.iface = *iface
	cfg.deviceIP = *deviceIP
	cfg.action = *action
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.gvcpTimeout = *gvcpTimeout
	cfg.gvcpRetries = *gvcpRetries
	cfg.discoverWindow = *discoverWindow

	var err error
	cfg.address, err = parseUint32(*address)
	if err != nil {
		fmt.Printf("invalid -address: %v\n", err)
		return nil, *showVersion
	}
	cfg.value, err = parseUint32(*value)
	if err != nil {
		fmt.Printf("invalid -value: %v\n", err)
		return nil, *showVersion
	}
	cfg.size = *size

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

func parseUint32(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open a socket or reach a device — only checks
// values and ranges, the same split the teacher's appConfig.validate keeps.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
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
	switch c.action {
	case "discover", "read-register", "write-register", "read-memory":
	default:
		return fmt.Errorf("invalid action: %s", c.action)
	}
	if c.action != "discover" && c.iface == "" {
		return fmt.Errorf("-iface is required for action %q", c.action)
	}
	if c.action != "discover" && c.deviceIP == "" {
		return fmt.Errorf("-device is required for action %q", c.action)
	}
	if c.action == "discover" && c.iface == "" {
		return errors.New("-iface is required for discover")
	}
	if c.size <= 0 {
		return fmt.Errorf("size must be > 0 (got %d)", c.size)
	}
	return nil
}

// applyEnvOverrides maps GEV_* environment variables onto config fields
// unless the corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["iface"]; !ok {
		if v, ok := get("GEV_IFACE"); ok && v != "" {
			c.iface = v
		}
	}
	if _, ok := set["device"]; !ok {
		if v, ok := get("GEV_DEVICE"); ok && v != "" {
			c.deviceIP = v
		}
	}
	if _, ok := set["action"]; !ok {
		if v, ok := get("GEV_ACTION"); ok && v != "" {
			c.action = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("GEV_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("GEV_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("GEV_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["gvcp-timeout"]; !ok {
		if v, ok := get("GEV_GVCP_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.gvcpTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEV_GVCP_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["gvcp-retries"]; !ok {
		if v, ok := get("GEV_GVCP_RETRIES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.gvcpRetries = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEV_GVCP_RETRIES: %w", err)
			}
		}
	}
	return firstErr
}
