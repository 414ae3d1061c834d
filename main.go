package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/go-qnscale-relay/ble"
	"github.com/robertof/go-qnscale-relay/collector"
	"github.com/robertof/go-qnscale-relay/metrics"
	"github.com/robertof/go-qnscale-relay/report"
	"github.com/robertof/go-qnscale-relay/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type cliFlags struct {
	ConfigPath   string
	Debug, Trace bool
	URL          string
	ConnParams   ble.ConnParams
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	root := &cobra.Command{
		Use:           "qnscale-relay",
		Short:         "Relay weight readings from QN-Scale bathroom scales to an HTTP endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLogs, err := prepare(cmd, flags)

			if err != nil {
				return err
			}

			defer closeLogs()

			return run(cfg)
		},
	}

	bindFlags(root.PersistentFlags(), &flags)
	root.AddCommand(newDiscoverCommand(&flags))

	return root
}

func bindFlags(pf *pflag.FlagSet, flags *cliFlags) {
	flags.ConnParams = ble.ConnParamsDefault

	pf.StringVarP(&flags.ConfigPath, "config", "f", defaultConfigPath, "path to the TOML config file")
	pf.BoolVar(&flags.Debug, "debug", false, "Enable debug logs")
	pf.BoolVar(&flags.Trace, "trace", false, "Enable trace logs")
	pf.StringVar(&flags.URL, "url", "", "reporting URL, overrides the config file")
	pf.Var(&flags.ConnParams, "connection-params",
		"Bluetooth connection parameters (one of 'default' or 'power-saving'), overrides the config file")
}

// prepare loads the config, applies flag overrides and sets up logging. A missing config file
// is fine unless one was explicitly requested.
func prepare(cmd *cobra.Command, flags cliFlags) (config, func(), error) {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfg, err := loadConfig(flags.ConfigPath, changed["config"])

	if err == nil && changed["url"] {
		cfg.URL = flags.URL
		err = cfg.Validate()
	}

	if err == nil && changed["connection-params"] {
		cfg.Bluetooth.ConnParams = flags.ConnParams
	}

	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration, refusing to start")
		return cfg, nil, err
	}

	closeLogs, err := setupLogging(
		effectiveLevel(cfg.Logging.Level, flags.Debug, flags.Trace),
		cfg.Logging.Path,
		cfg.Logging.RetentionDays,
	)

	if err != nil {
		log.Error().Err(err).Msg("Failed to set up logging")
		return cfg, nil, err
	}

	return cfg, closeLogs, nil
}

func run(cfg config) error {
	log.Info().
		Object("Config", &cfg).
		Array("AllowedAddresses", utils.ToZeroLogArray(cfg.Bluetooth.AllowedAddresses)).
		Msg("Starting with the specified configuration")

	if cfg.URL == "" {
		log.Warn().Msg("No reporting URL configured, readings will be decoded but not delivered")
	}

	ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))

	bleHandle, err := initBle(cfg)

	if err != nil {
		return err
	}

	defer func() {
		if err := bleHandle.Stop(); err != nil {
			log.Debug().Err(err).Msg("Failed to stop Bluetooth device")
		}
	}()

	registry := prometheus.NewRegistry()
	ble.RegisterMetrics(registry)
	collector.RegisterMetrics(registry)
	report.RegisterMetrics(registry)

	store := metrics.NewStore()
	metrics.RegisterCollector(store.Latest, registry)

	httpReporter, err := report.NewHTTP(report.HTTPConfig{
		URL:             cfg.URL,
		Timeout:         cfg.Report.Timeout,
		BreakerFailures: cfg.Report.BreakerFailures,
		BreakerTimeout:  cfg.Report.BreakerTimeout,
	})

	if err != nil {
		return err
	}

	sessionOpts := cfg.Session
	sessionOpts.ReportTimeout = cfg.Report.Timeout

	relay := collector.NewRelay(
		bleHandle,
		report.Tee(httpReporter, store),
		collector.NewRetrier(cfg.Retry),
		collector.RelayOptions{
			DeviceName:      cfg.Bluetooth.DeviceName,
			DiscoveryWindow: cfg.Bluetooth.DiscoveryWindow,
			Concurrent:      cfg.Bluetooth.ConcurrentSessions,
			Session:         sessionOpts,
		},
	)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return relay.Run(ctx)
	})

	if cfg.MetricsBind != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsBind, registry)
		})
	}

	err = eg.Wait()

	log.Info().Msg("Shut down")

	return err
}

func initBle(cfg config) (*ble.Handle, error) {
	// active scans are needed to receive the local name from scan responses.
	var bleFlags ble.Flags = ble.FlagScanTypeActive

	if len(cfg.Bluetooth.AllowedAddresses) > 0 {
		bleFlags |= ble.FlagEnableDeviceAllowList
	}

	bleHandle, err := ble.Init(cfg.Bluetooth.DeviceID, cfg.Bluetooth.ConnParams, bleFlags)

	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize Bluetooth device")
		return nil, err
	}

	if bleFlags&ble.FlagEnableDeviceAllowList == 0 {
		return bleHandle, nil
	}

	if err := bleHandle.SetAllowListedAddresses(cfg.Bluetooth.AllowedAddresses); err != nil {
		log.Error().Err(err).Msg("Failed to set device allow list")
	}

	return bleHandle, nil
}

func serveMetrics(ctx context.Context, bind string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("ListenAddress", bind).
		Msg("Starting Prometheus server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Unable to bind on requested address")
		return err
	}

	return nil
}
