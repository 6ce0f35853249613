//go:debug httpmuxgo121=0

// Command cyberdriver exposes this machine's screen, keyboard, and mouse as
// a local HTTP API and bridges that API to the Cyberdesk cloud over a
// persistent WebSocket tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberdesk/cyberdriver/internal/activity"
	"github.com/cyberdesk/cyberdriver/internal/api"
	"github.com/cyberdesk/cyberdriver/internal/config"
	"github.com/cyberdesk/cyberdriver/internal/device"
	"github.com/cyberdesk/cyberdriver/internal/keepalive"
	"github.com/cyberdesk/cyberdriver/internal/supervisor"
	"github.com/cyberdesk/cyberdriver/internal/tunnel"
)

// version is stamped by the release build via -ldflags.
var version = "0.4.0-dev"

// Exit codes.
const (
	exitOK        = 0
	exitBadConfig = 2
	exitRejected  = 3
	exitInterrupt = 130
)

// configError marks failures that should exit with the bad-config code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var errInterrupted = errors.New("interrupted")

func main() {
	log.SetFlags(0)

	root := &cobra.Command{
		Use:           "cyberdriver",
		Short:         "Cyberdesk host agent — remote desktop control over a cloud tunnel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(joinCmd(), startCmd())

	if err := root.Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var cfgErr *configError
	var rejErr *tunnel.RejectedError
	switch {
	case errors.Is(err, errInterrupted):
		return exitInterrupt
	case errors.As(err, &rejErr):
		return exitRejected
	case errors.As(err, &cfgErr):
		return exitBadConfig
	}
	return 1
}

// hostDevice returns the device driving this machine. Platform capture and
// input drivers plug in here; until one is linked in, the virtual device
// keeps the API surface serving.
func hostDevice() *device.Device {
	dev, _ := device.NewVirtualDevice(1920, 1080)
	return dev
}

func startCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Serve the local control API without joining the cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := hostDevice()
			srv := api.NewServer(dev, activity.NewClock(), version)
			if err := srv.ListenAndServe(port); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 3000, "local API port")
	return cmd
}

func joinCmd() *cobra.Command {
	var (
		secret         string
		host           string
		port           int
		kaEnabled      bool
		kaThresholdMin float64
		kaClickX       int
		kaClickY       int
		kaFor          string
		interactive    bool
		useSystemCerts bool
		caFile         string
		noSSLVerify    bool
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Serve the local API and bridge it to the cloud controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.Config{
				Secret:  secret,
				Host:    host,
				Port:    port,
				Version: version,
				Keepalive: config.Keepalive{
					Enabled:   kaEnabled,
					Threshold: time.Duration(kaThresholdMin * float64(time.Minute)),
					For:       kaFor,
				},
				Interactive: interactive,
			}
			switch {
			case useSystemCerts:
				cfg.TLSMode = config.TLSSystemStore
			case caFile != "":
				cfg.TLSMode = config.TLSCustomCA
				cfg.CAFile = caFile
			case noSSLVerify:
				cfg.TLSMode = config.TLSNoVerify
			}
			if cmd.Flags().Changed("keepalive-click-x") {
				cfg.Keepalive.ClickX = &kaClickX
			}
			if cmd.Flags().Changed("keepalive-click-y") {
				cfg.Keepalive.ClickY = &kaClickY
			}
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return &configError{err}
			}
			fp, err := config.LoadFingerprint(version)
			if err != nil {
				return &configError{err}
			}
			cfg.Fingerprint = fp

			return runJoin(cfg)
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "cloud API secret (required)")
	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "cloud controller URL")
	cmd.Flags().IntVar(&port, "port", 3000, "local API port")
	cmd.Flags().BoolVar(&kaEnabled, "keepalive", false, "inject synthetic activity while idle")
	cmd.Flags().Float64Var(&kaThresholdMin, "keepalive-threshold-minutes", 3, "idle minutes before a keepalive action")
	cmd.Flags().IntVar(&kaClickX, "keepalive-click-x", 0, "x coordinate for the keepalive click")
	cmd.Flags().IntVar(&kaClickY, "keepalive-click-y", 0, "y coordinate for the keepalive click")
	cmd.Flags().StringVar(&kaFor, "register-as-keepalive-for", "", "announce this agent as keepalive delegate for another machine id")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "read p/r/q from the console to pause, resume, or quit the tunnel")
	cmd.Flags().BoolVar(&useSystemCerts, "use-system-certs", false, "trust the OS certificate store")
	cmd.Flags().StringVar(&caFile, "ca-file", "", "trust a custom CA bundle (PEM)")
	cmd.Flags().BoolVar(&noSSLVerify, "no-ssl-verify", false, "skip TLS certificate verification")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func runJoin(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := hostDevice()
	clock := activity.NewClock()
	gate := &keepalive.Gate{}

	srv := api.NewServer(dev, clock, version)

	var worker *keepalive.Worker
	if cfg.Keepalive.Enabled {
		worker = keepalive.NewWorker(keepalive.Options{
			Threshold: cfg.Keepalive.Threshold,
			ClickX:    cfg.Keepalive.ClickX,
			ClickY:    cfg.Keepalive.ClickY,
		}, dev, clock, gate)
		srv.Keepalive = worker
		go worker.Run(ctx)
		log.Printf("keepalive enabled: threshold %s", cfg.Keepalive.Threshold)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.Port) }()

	var supKa supervisor.KeepaliveControl
	if worker != nil {
		supKa = worker
	}
	sup := supervisor.New(cfg, srv.Invoke, clock, gate, dev.Capabilities(), supKa)

	if cfg.Interactive {
		restore := startInteractive(sup, stop)
		defer restore()
	}

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("local API: %w", err)
	case err := <-supErr:
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			log.Printf("shutting down")
			return errInterrupted
		}
		return nil
	}
}
