// bacnetd -- BACnet MS/TP master/slave node and BVLC forwarding daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bacnet-go/bacnetcore/internal/bvlc"
	"github.com/bacnet-go/bacnetcore/internal/config"
	"github.com/bacnet-go/bacnetcore/internal/metrics"
	"github.com/bacnet-go/bacnetcore/internal/mstp"
	"github.com/bacnet-go/bacnetcore/internal/mstp/gpiortsdriver"
	"github.com/bacnet-go/bacnetcore/internal/mstp/serialdriver"
	"github.com/bacnet-go/bacnetcore/internal/netio"
	appversion "github.com/bacnet-go/bacnetcore/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("bacnetd starting",
		slog.String("version", appversion.Version),
		slog.Int("ports", len(cfg.Ports)),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runServers(cfg, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("bacnetd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("bacnetd stopped")
	return 0
}

func runServers(
	cfg *config.Config,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if _, err := startPorts(gCtx, g, cfg, collector, logger); err != nil {
		return fmt.Errorf("start mstp ports: %w", err)
	}

	gwV4, gwV6, err := startBVLC(gCtx, g, cfg, logger)
	if err != nil {
		return fmt.Errorf("start bvlc gateways: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })
	startSIGHUP(gCtx, g, configPath, logLevel, gwV4, gwV6, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// npduSink is the minimal mstp.UpperLayer: application-layer object
// modeling is out of scope, so an arriving NPDU is only logged.
type npduSink struct {
	logger *slog.Logger
	port   string
}

func (s npduSink) DeliverNPDU(srcStation uint8, npdu []byte) {
	s.logger.Debug("npdu received",
		slog.String("port", s.port), slog.Int("src_station", int(srcStation)), slog.Int("len", len(npdu)))
}

// bvlcSink is the bvlc.UpperLayer counterpart.
type bvlcSink struct {
	logger *slog.Logger
	family string
}

func (s bvlcSink) DeliverNPDU(src netip.AddrPort, npdu []byte) {
	s.logger.Debug("npdu received",
		slog.String("family", s.family), slog.String("src", src.String()), slog.Int("len", len(npdu)))
}

// idleSource is the minimal mstp.SendSource: with no application layer
// queuing outbound traffic, a port only answers polls/tokens it is handed.
type idleSource struct{}

func (idleSource) GetSend() (uint8, []byte, bool) { return 0, nil, false }
func (idleSource) GetReply() ([]byte, bool)       { return nil, false }

func startPorts(ctx context.Context, g *errgroup.Group, cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) ([]*mstp.Port, error) {
	ports := make([]*mstp.Port, 0, len(cfg.Ports))
	for _, pc := range cfg.Ports {
		drv, err := openDriver(pc)
		if err != nil {
			return nil, fmt.Errorf("open driver for port %q: %w", pc.Name, err)
		}

		startIdx := 0
		if pc.AutoBaud {
			for i, b := range mstp.BaudLadder {
				if b == pc.Baud {
					startIdx = i
					break
				}
			}
		} else if pc.Baud != 0 {
			_ = drv.SetBaudRate(pc.Baud)
		}

		mc := mstp.Config{
			ThisStation:       pc.ThisStation,
			NextStation:       pc.ThisStation,
			PollStation:       pc.ThisStation,
			NmaxMaster:        pc.MaxMaster,
			NmaxInfoFrames:    pc.MaxInfoFrames,
			SlaveNodeEnabled:  pc.SlaveMode,
			ZeroConfigEnabled: pc.ZeroConfig,
			CheckAutoBaud:     pc.AutoBaud,
			InputBufSize:      mstp.MaxExtDataLength,
			StartBaudIdx:      startIdx,
		}

		port := mstp.NewPort(mc, drv, npduSink{logger: logger, port: pc.Name}, idleSource{}, logger, mstp.WithMetrics(collector))
		ports = append(ports, port)

		pc := pc
		g.Go(func() error {
			logger.Info("mstp port starting", slog.String("port", pc.Name), slog.String("device", pc.Device))
			return port.Run(ctx)
		})
	}
	return ports, nil
}

func openDriver(pc config.PortConfig) (mstp.Driver, error) {
	base, err := serialdriver.Open(pc.Device, pc.Baud)
	if err != nil {
		return nil, err
	}
	if pc.GPIORTSPin == "" {
		return base, nil
	}
	wrapped, err := gpiortsdriver.Wrap(base, pc.GPIORTSPin)
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

func startBVLC(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) (*bvlc.Gateway, *bvlc.GatewayV6, error) {
	var gwV4 *bvlc.Gateway
	var gwV6 *bvlc.GatewayV6

	if cfg.BVLC.IPv4.Listen != "" {
		laddr, err := cfg.BVLC.IPv4.ListenAddrPort()
		if err != nil {
			return nil, nil, err
		}
		conn, err := netio.NewBroadcastSocket(ctx, laddr, cfg.BVLC.IPv4.Interface)
		if err != nil {
			return nil, nil, fmt.Errorf("open ipv4 bvlc socket: %w", err)
		}
		sender := netio.NewSender(conn)
		gwV4 = bvlc.NewGateway(laddr, cfg.BVLC.IPv4.BBMD, bvlcSink{logger: logger, family: "ipv4"}, sender)

		if cfg.BVLC.IPv4.BDTFile != "" {
			if lines, err := config.ParseBDTFile(cfg.BVLC.IPv4.BDTFile); err == nil {
				for _, l := range lines {
					gwV4.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: l.Addr, BroadcastMask: l.Broadcast})
				}
			}
			g.Go(func() error {
				return config.WatchBDTFile(ctx, cfg.BVLC.IPv4.BDTFile, logger, func(lines []config.BDTLine) {
					for _, l := range lines {
						gwV4.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: l.Addr, BroadcastMask: l.Broadcast})
					}
				})
			})
		}

		listener := netio.NewListener(conn)
		recv := netio.NewReceiver(gwV4, logger)
		g.Go(func() error { return recv.Run(ctx, listener) })
		g.Go(func() error { return runAgeTicker(ctx, gwV4.AgeTick, bvlc.AgeTickInterval) })
		startInterfaceMonitor(ctx, g, cfg.BVLC.IPv4.Interface, "ipv4", logger)

		logger.Info("bvlc/ipv4 gateway listening", slog.String("addr", laddr.String()), slog.Bool("bbmd", cfg.BVLC.IPv4.BBMD))
	}

	if cfg.BVLC.IPv6.Listen != "" {
		laddr, err := cfg.BVLC.IPv6.ListenAddrPort()
		if err != nil {
			return nil, nil, err
		}
		group, err := cfg.BVLC.IPv6.MulticastAddrPort()
		if err != nil {
			return nil, nil, err
		}
		conn, err := netio.NewMulticastSocket(ctx, laddr, group.Addr(), cfg.BVLC.IPv6.Interface)
		if err != nil {
			return nil, nil, fmt.Errorf("open ipv6 bvlc socket: %w", err)
		}
		sender := netio.NewSender(conn)
		selfVMAC := bvlc.VMACFromInstance(cfg.BVLC.IPv6.DeviceInstance)
		gwV6 = bvlc.NewGatewayV6(laddr, selfVMAC, group, cfg.BVLC.IPv6.BBMD, bvlcSink{logger: logger, family: "ipv6"}, sender)

		listener := netio.NewListener(conn)
		recv := netio.NewReceiver(gwV6, logger)
		g.Go(func() error { return recv.Run(ctx, listener) })
		g.Go(func() error { return runAgeTicker(ctx, gwV6.AgeTick, bvlc.AgeTickInterval) })
		startInterfaceMonitor(ctx, g, cfg.BVLC.IPv6.Interface, "ipv6", logger)

		logger.Info("bvlc/ipv6 gateway listening", slog.String("addr", laddr.String()), slog.String("group", group.String()))
	}

	return gwV4, gwV6, nil
}

// startInterfaceMonitor watches ifName for link up/down transitions so the
// operator can see when a BVLC gateway's socket may need a rebind after an
// interface flap. No platform-specific monitor is wired in yet, so this
// runs the stub: it still exercises the Run/Events/Close lifecycle and
// gives future netlink-backed monitors a ready call site.
func startInterfaceMonitor(ctx context.Context, g *errgroup.Group, ifName, family string, logger *slog.Logger) {
	if ifName == "" {
		return
	}

	mon := netio.NewStubInterfaceMonitor(logger.With(slog.String("family", family), slog.String("interface", ifName)))
	g.Go(func() error {
		for ev := range mon.Events() {
			logger.Info("interface state changed",
				slog.String("family", family), slog.String("interface", ev.IfName), slog.Bool("up", ev.Up))
		}
		return nil
	})
	g.Go(func() error { return mon.Run(ctx) })
}

func runAgeTicker(ctx context.Context, tick func(), interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			tick()
		}
	}
}

func startSIGHUP(ctx context.Context, g *errgroup.Group, configPath string, logLevel *slog.LevelVar, gwV4 *bvlc.Gateway, gwV6 *bvlc.GatewayV6, logger *slog.Logger) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading configuration")
				newCfg, err := loadConfig(configPath)
				if err != nil {
					logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
					continue
				}
				logLevel.Set(config.ParseLogLevel(newCfg.Log.Level))
				if gwV4 != nil && newCfg.BVLC.IPv4.BDTFile != "" {
					if lines, err := config.ParseBDTFile(newCfg.BVLC.IPv4.BDTFile); err == nil {
						for _, l := range lines {
							gwV4.AddBDTEntry(bvlc.BDTEntry{Valid: true, Addr: l.Addr, BroadcastMask: l.Broadcast})
						}
					}
				}
			}
		}
	})
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
