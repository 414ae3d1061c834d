package ble

import (
	"context"
	"strings"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-qnscale-relay/device"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qnscale_relay_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qnscale_relay_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qnscale_relay_ble_disconnections_total",
	})
)

// Connect dials addr and discovers its full GATT profile, descriptors included, so that
// notifications can be enabled later on. Concurrent calls dial one after another.
func (h *Handle) Connect(ctx context.Context, addr string) (device.Peripheral, error) {
	addr = strings.ToLower(addr)

	h.dialMu.Lock()
	client, err := h.dial(ctx, ble.NewAddr(addr))
	h.dialMu.Unlock()

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, device.Wrap(device.KindTransport, "dial", err)
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Str("Component", "ble").Str("Addr", addr).Msg("ble: successfully opened new connection to device")

	// spawn a watchdog accounting for the connection going away, whoever closes it.
	go func() {
		<-client.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Str("Component", "ble").Str("Addr", addr).Msg("ble: connection with device closed")
	}()

	profile, err := client.DiscoverProfile(true)

	if err != nil {
		_ = client.CancelConnection()
		return nil, device.Wrap(device.KindTransport, "discover profile", err)
	}

	return newConn(client, profile), nil
}
