package main

import (
	"context"
	"errors"
	"time"

	"github.com/robertof/go-qnscale-relay/ble"
	"github.com/robertof/go-qnscale-relay/device/qnscale"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
)

const defaultDiscoveryDuration = 5 * time.Second

func newDiscoverCommand(flags *cliFlags) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List nearby BLE devices and quit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLogs, err := prepare(cmd, *flags)

			if err != nil {
				return err
			}

			defer closeLogs()

			return doDeviceDiscovery(cfg, duration)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", defaultDiscoveryDuration, "how long to scan for")

	return cmd
}

type discoveredDevice struct {
	name        string
	connectable bool
	rssi        int
	services    map[string]bool
}

func doDeviceDiscovery(cfg config, duration time.Duration) error {
	log.Info().Dur("Duration", duration).Msg("Starting in device discovery mode - collecting devices...")

	handle, err := ble.Init(cfg.Bluetooth.DeviceID, cfg.Bluetooth.ConnParams, ble.FlagScanTypeActive)

	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize Bluetooth device")
		return err
	}

	defer func() { _ = handle.Stop() }()

	ctx := ble.WrapContextWithSigHandler(
		context.WithTimeout(
			context.Background(),
			duration,
		),
	)

	devices := make(map[string]*discoveredDevice)

	err = handle.ScanAll(ctx, func(a ble.Advertisement) {
		addr := a.Addr().String()
		info, ok := devices[addr]

		if !ok {
			info = &discoveredDevice{services: make(map[string]bool)}
			devices[addr] = info
		}

		// merge
		if info.name == "" {
			info.name = a.LocalName()
		}

		info.connectable = info.connectable || a.Connectable()
		info.rssi = a.RSSI()

		for _, uuid := range a.Services() {
			info.services[uuid.String()] = true
		}

		log.Debug().
			Str("Addr", addr).
			Str("Name", a.LocalName()).
			Int("RSSI", a.RSSI()).
			Bool("Connectable", a.Connectable()).
			Strs("Services", maps.Keys(info.services)).
			Hex("ManufacturerData", a.ManufacturerData()).
			Msg("Received device advertisement")
	})

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error().Err(err).Msg("Failed to initiate scan")
		return err
	}

	log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

	for addr, data := range devices {
		log.Info().
			Str("Addr", addr).
			Str("Name", data.name).
			Int("RSSI", data.rssi).
			Bool("Connectable", data.connectable).
			Bool("Scale", data.name == cfg.Bluetooth.DeviceName || qnscale.Matches(data.name)).
			Strs("Services", maps.Keys(data.services)).
			Msg("Found device")
	}

	return nil
}
