package collector

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-qnscale-relay/device/qnscale"
)

var (
	framesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qnscale_relay_frames_total",
		Help: "Inbound notification frames by decode outcome.",
	}, []string{"outcome"})
	sessionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qnscale_relay_sessions_total",
		Help: "Device sessions by terminal state.",
	}, []string{"state"})
	scanCyclesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qnscale_relay_scan_cycles_total",
	})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		framesCounter,
		sessionsCounter,
		scanCyclesCounter,
	)
}

func frameOutcome(err error) string {
	switch {
	case err == nil:
		return "decoded"
	case errors.Is(err, qnscale.ErrEmptyMessage):
		return "empty"
	case errors.Is(err, qnscale.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, qnscale.ErrInvalidLength):
		return "invalid_length"
	case errors.Is(err, qnscale.ErrInvalidProtocol):
		return "invalid_protocol"
	case errors.Is(err, qnscale.ErrNotReady):
		return "not_ready"
	default:
		return "other"
	}
}
