package ble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-qnscale-relay/device"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
)

var advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "qnscale_relay_ble_advertisements_total",
	Help: "Advertising reports received while scanning.",
})

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
	return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and pass every advertisement found to onDevice, duplicates
// included. Returns when ctx is done.
func (h *Handle) ScanAll(ctx context.Context, onDevice func(Advertisement)) error {
	err := h.dev.Scan(ctx, true, func(a Advertisement) {
		advertisementsCounter.Inc()
		onDevice(a)
	})

	if err != nil {
		return fmt.Errorf("failed to initiate scan: %w", err)
	}

	return nil
}

// Scan listens for window and returns one Advertisement per address seen, sorted by address.
// Reports for the same address are merged: the latest RSSI wins and a name, once seen, sticks.
func (h *Handle) Scan(ctx context.Context, window time.Duration) ([]device.Advertisement, error) {
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]device.Advertisement)

	err := h.dev.Scan(scanCtx, true, func(a Advertisement) {
		advertisementsCounter.Inc()

		mu.Lock()
		defer mu.Unlock()

		// the BLE lib could deliver an advertisement even after the window closed.
		if scanCtx.Err() != nil {
			return
		}

		mergeAdvertisement(seen, a)
	})

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// the window elapsing is how a scan normally ends.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, device.Wrap(device.KindTransport, "scan", err)
	}

	mu.Lock()
	defer mu.Unlock()

	out := sortedAdvertisements(seen)

	log.Trace().
		Str("Component", "ble").
		Dur("Window", window).
		Int("Devices", len(out)).
		Msg("Scan window closed")

	return out, nil
}

func mergeAdvertisement(seen map[string]device.Advertisement, a Advertisement) {
	addr := strings.ToLower(a.Addr().String())

	merged := seen[addr]
	merged.Addr = addr
	merged.RSSI = a.RSSI()
	merged.Connectable = merged.Connectable || a.Connectable()

	if name := a.LocalName(); name != "" {
		merged.LocalName = name
	}

	seen[addr] = merged
}

func sortedAdvertisements(seen map[string]device.Advertisement) []device.Advertisement {
	addrs := maps.Keys(seen)
	slices.Sort(addrs)

	out := make([]device.Advertisement, 0, len(addrs))

	for _, addr := range addrs {
		out = append(out, seen[addr])
	}

	return out
}
