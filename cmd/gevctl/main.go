// Command gevctl is a thin diagnostic CLI over the gev device façade: it
// discovers devices on an interface, or opens one and runs a single
// register/memory operation, then exits. It is not a full GenICam
// browser — that belongs to a GenICam feature engine layered on top of
// internal/genicam.Port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-gev/gev/device"
	"github.com/go-gev/gev/internal/control"
	"github.com/go-gev/gev/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("gevctl %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	if err := run(ctx, cfg, l); err != nil {
		l.Error("gevctl_failed", "action", cfg.action, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	if cfg.action == "discover" {
		return runDiscover(ctx, cfg, l)
	}

	ifaceAddr, err := firstIPv4(cfg.iface)
	if err != nil {
		return fmt.Errorf("resolve interface %q: %w", cfg.iface, err)
	}
	deviceAddr := net.ParseIP(cfg.deviceIP)
	if deviceAddr == nil {
		return fmt.Errorf("invalid -device address %q", cfg.deviceIP)
	}

	var ctrlOpts []control.Option
	if cfg.gvcpTimeout > 0 {
		ctrlOpts = append(ctrlOpts, control.WithTimeout(cfg.gvcpTimeout))
	}
	if cfg.gvcpRetries >= 0 {
		ctrlOpts = append(ctrlOpts, control.WithRetries(cfg.gvcpRetries))
	}

	dev, err := device.Open(ctx, ifaceAddr, deviceAddr, device.WithControlOptions(ctrlOpts...))
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() { _ = dev.Close() }()

	l.Info("device_opened", "vendor", dev.VendorName(), "model", dev.ModelName())

	switch cfg.action {
	case "read-register":
		v, err := dev.ReadRegister(ctx, cfg.address)
		if err != nil {
			return err
		}
		fmt.Printf("0x%08x = 0x%08x\n", cfg.address, v)
	case "write-register":
		if err := dev.WriteRegister(ctx, cfg.address, cfg.value); err != nil {
			return err
		}
		fmt.Printf("0x%08x <- 0x%08x\n", cfg.address, cfg.value)
	case "read-memory":
		data, err := dev.ReadMemory(ctx, cfg.address, cfg.size)
		if err != nil {
			return err
		}
		fmt.Printf("0x%08x: % x\n", cfg.address, data)
	default:
		return fmt.Errorf("unknown action %q", cfg.action)
	}
	return nil
}

func runDiscover(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	found, err := device.Discover(ctx, cfg.iface, cfg.discoverWindow)
	if err != nil {
		return err
	}
	l.Info("discover_complete", "count", len(found))
	for _, info := range found {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", info.CurrentIP, info.ManufacturerName, info.ModelName, info.SerialNumber, info.UserDefinedName)
	}
	return nil
}

func firstIPv4(iface string) (net.IP, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("interface %q has no IPv4 address", iface)
}
