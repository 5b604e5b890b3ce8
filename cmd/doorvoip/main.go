package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/doorvoip/internal/call"
	"github.com/sebas/doorvoip/internal/config"
	"github.com/sebas/doorvoip/internal/coordinator"
	"github.com/sebas/doorvoip/internal/diagnostics"
	"github.com/sebas/doorvoip/internal/logging"
	"github.com/sebas/doorvoip/internal/refresh"
	"github.com/sebas/doorvoip/internal/restclient"
	"github.com/sebas/doorvoip/internal/sipendpoint"
	"github.com/sebas/doorvoip/internal/statusserver"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("[main] no .env file loaded", "error", err)
	}

	cfg, err := config.Load(os.Getenv("DOORVOIP_CONFIG_FILE"), os.Args[1:])
	if err != nil {
		slog.Error("[main] config load failed", "error", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	logNetworkInterfaces()

	diag := diagnostics.New(prometheus.DefaultRegisterer)
	restClient := restclient.New(cfg.BackendURL, cfg.Phone, cfg.DeviceCode)
	observer := &hostObserver{diag: diag}

	factory := func(sipCfg sipendpoint.Config) refresh.Coordinator {
		return coordinator.New(sipCfg, observer, cfg.Synchronous)
	}
	loop := refresh.New(restClient, cfg.LocalIP, cfg.RefreshInterval, factory)

	status := statusserver.New(cfg.StatusBindAddr, &loopStatusSource{loop: loop}, diag)

	run(cfg, loop, status)
}

func run(cfg *config.Config, loop *refresh.Loop, status *statusserver.Server) {
	slog.Info("[main] starting doorvoip",
		"backend_url", cfg.BackendURL,
		"local_ip", cfg.LocalIP,
		"refresh_interval", cfg.RefreshInterval,
		"status_bind", cfg.StatusBindAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	go func() {
		if err := status.ListenAndServe(); err != nil {
			slog.Error("[main] status server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("[main] received signal, shutting down", "signal", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := status.Shutdown(shutdownCtx); err != nil {
		slog.Error("[main] status server shutdown error", "error", err)
	}

	if c := loop.Current(); c != nil {
		_ = c.Stop(shutdownCtx)
	}
}

// hostObserver bridges Coordinator callbacks into logging and
// diagnostics, standing in for whatever UI/push integration the host
// application layers on top.
type hostObserver struct {
	diag *diagnostics.Diagnostics
}

func (o *hostObserver) OnCall(c *call.Call) {
	slog.Info("[main] call state", "call_id", c.ID(), "state", c.State())
}

func (o *hostObserver) OnSIPStatus(status string) {
	slog.Info("[main] sip status", "status", status)
}

func (o *hostObserver) OnTrace(key string, frame []byte, opts coordinator.TraceOpts) {
	o.diag.CoordinatorTrace(key, frame, opts)
}

// loopStatusSource adapts the Refresh Loop's current Coordinator to
// statusserver.StatusSource, reporting "inactive" before the first
// successful refresh cycle builds one.
type loopStatusSource struct {
	loop *refresh.Loop
}

func (s *loopStatusSource) Status() string {
	c := s.loop.Current()
	if c == nil {
		return "inactive"
	}
	return c.Status()
}

func (s *loopStatusSource) ActiveCalls() int {
	c := s.loop.Current()
	if c == nil {
		return 0
	}
	return c.ActiveCalls()
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("[main] network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
