package collector

import (
	"context"
	"time"

	"github.com/robertof/go-qnscale-relay/device"
	"github.com/robertof/go-qnscale-relay/device/qnscale"
	"github.com/robertof/go-qnscale-relay/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultDiscoveryWindow = 1 * time.Second

type RelayOptions struct {
	// Advertised local name of the devices to service.
	DeviceName string
	// How long each scan cycle listens for advertisements.
	DiscoveryWindow time.Duration
	// Run one session per matched device in parallel instead of one after another. The
	// bluetooth transport still dials one device at a time; only the sessions overlap.
	Concurrent bool

	Session SessionOptions
}

// Relay scans for scales and runs a session for each one found, over and over, until its
// context is canceled. A failing device never stops the loop.
type Relay struct {
	transport device.Transport
	reporter  Reporter
	retrier   *Retrier
	opts      RelayOptions
}

func NewRelay(
	transport device.Transport,
	reporter Reporter,
	retrier *Retrier,
	opts RelayOptions,
) *Relay {
	if opts.DeviceName == "" {
		opts.DeviceName = qnscale.LocalName
	}

	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = DefaultDiscoveryWindow
	}

	return &Relay{
		transport: transport,
		reporter:  reporter,
		retrier:   retrier,
		opts:      opts,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	logger := log.With().Str("Component", "relay").Logger()

	logger.Info().
		Str("DeviceName", r.opts.DeviceName).
		Dur("DiscoveryWindow", r.opts.DiscoveryWindow).
		Bool("Concurrent", r.opts.Concurrent).
		Msg("Starting relay loop")

	for ctx.Err() == nil {
		r.cycle(ctx)
	}

	logger.Info().Msg("Relay loop is shutting down")

	return nil
}

// cycle runs one scan window and then the sessions for whatever matched.
func (r *Relay) cycle(ctx context.Context) {
	logger := log.With().Str("Component", "relay").Logger()

	scanCyclesCounter.Inc()

	ads, err := r.transport.Scan(ctx, r.opts.DiscoveryWindow)

	if err != nil {
		if ctx.Err() != nil {
			return
		}

		logger.Error().Err(err).Msg("Scan failed")

		// don't spin on a broken adapter.
		_ = sleep(ctx, r.opts.DiscoveryWindow)
		return
	}

	logger.Debug().
		Int("Detected", len(ads)).
		Array("Devices", utils.ToZeroLogArray(ads)).
		Msg("Scan cycle finished")

	var matched []device.Advertisement

	for _, ad := range ads {
		if ad.LocalName == r.opts.DeviceName {
			matched = append(matched, ad)
		}
	}

	if len(matched) == 0 {
		return
	}

	if r.opts.Concurrent {
		r.runConcurrent(ctx, matched)
		return
	}

	for _, ad := range matched {
		if ctx.Err() != nil {
			return
		}

		_ = r.newSession(ad).Run(ctx)
	}
}

// runConcurrent gives each device its own session. Sessions share nothing but the context.
func (r *Relay) runConcurrent(ctx context.Context, ads []device.Advertisement) {
	var eg errgroup.Group

	for _, ad := range ads {
		ad := ad
		eg.Go(func() error {
			// failures are logged by the session and must not cancel its siblings.
			_ = r.newSession(ad).Run(ctx)
			return nil
		})
	}

	_ = eg.Wait()
}

func (r *Relay) newSession(ad device.Advertisement) *Session {
	return NewSession(r.transport, ad, r.reporter, r.retrier, r.opts.Session)
}
