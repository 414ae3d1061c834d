package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertof/go-qnscale-relay/device"
	"github.com/robertof/go-qnscale-relay/device/qnscale"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSettleDelay         = 1 * time.Second
	DefaultBatteryPollInterval = 3 * time.Second
	DefaultReportTimeout       = 10 * time.Second

	// readings waiting to be reported; more than a handful means the reporter is stuck.
	readingBacklog = 8
)

// Reporter receives every reading decoded during a session.
type Reporter interface {
	Report(ctx context.Context, r device.Reading) error
}

type SessionOptions struct {
	// Pause after connecting and after each initialization step.
	SettleDelay time.Duration
	// How often the battery level is read while streaming.
	BatteryPollInterval time.Duration
	// Upper bound for handing one reading to the reporter. Shutdown does not cut it short.
	ReportTimeout time.Duration
	// Clock used for the set-time command.
	Now func() time.Time
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.SettleDelay < 0 {
		o.SettleDelay = DefaultSettleDelay
	}

	if o.BatteryPollInterval <= 0 {
		o.BatteryPollInterval = DefaultBatteryPollInterval
	}

	if o.ReportTimeout <= 0 {
		o.ReportTimeout = DefaultReportTimeout
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	return o
}

// Session services one advertising scale from connection to disconnection. It is single
// use; the relay loop creates a fresh one per advertisement.
type Session struct {
	adv       device.Advertisement
	transport device.Transport
	reporter  Reporter
	retrier   *Retrier
	opts      SessionOptions

	state    atomic.Uint32
	readings chan device.Reading
	log      zerolog.Logger
}

func NewSession(
	transport device.Transport,
	adv device.Advertisement,
	reporter Reporter,
	retrier *Retrier,
	opts SessionOptions,
) *Session {
	return &Session{
		adv:       adv,
		transport: transport,
		reporter:  reporter,
		retrier:   retrier,
		opts:      opts.withDefaults(),
		readings:  make(chan device.Reading, readingBacklog),
		log: log.With().
			Str("Component", "session").
			Str("Addr", adv.Addr).
			Logger(),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(uint32(st)))

	s.log.Trace().
		Stringer("From", prev).
		Stringer("To", st).
		Msg("Session state transition")

	if st.Terminal() {
		sessionsCounter.WithLabelValues(st.String()).Inc()
	}
}

// Run drives the session until the device goes away or a step fails for good. It returns nil
// when the device disconnects after streaming, a transport error when connecting or
// initializing failed, or the context error on shutdown.
func (s *Session) Run(ctx context.Context) error {
	if s.State().Terminal() {
		return errors.New("session already finished")
	}

	// readings are forwarded until the peripheral is gone and the backlog drained, even when
	// the session ends because of shutdown.
	done := make(chan struct{})
	reportCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forward(reportCtx, done)
	}()

	defer func() {
		close(done)
		wg.Wait()
	}()

	s.setState(StateConnecting)
	s.log.Info().Str("LocalName", s.adv.LocalName).Msg("Connecting to device")

	p, err := Retry(ctx, s.retrier, "connect", func() (device.Peripheral, error) {
		return s.transport.Connect(ctx, s.adv.Addr)
	})

	if err != nil {
		return s.finish(ctx, StateFailed, device.Wrap(device.KindTransport, "connect", err))
	}

	defer func() {
		if err := p.Disconnect(); err != nil {
			s.log.Debug().Err(err).Msg("Disconnect returned an error")
		}
	}()

	s.setState(StateConnected)
	s.log.Info().Msg("Connected")

	if err := s.sleep(ctx, s.opts.SettleDelay); err != nil {
		return s.finish(ctx, StateDisconnected, err)
	}

	s.setState(StatePairing)
	s.pair(p)

	s.setState(StateEnumerating)
	s.enumerate(p)

	s.setState(StateInitializing)

	if err := s.initialize(ctx, p); err != nil {
		if ctx.Err() != nil {
			return s.finish(ctx, StateDisconnected, ctx.Err())
		}

		return s.finish(ctx, StateFailed, err)
	}

	s.setState(StateStreaming)

	return s.finish(ctx, StateDisconnected, s.stream(ctx, p))
}

func (s *Session) finish(ctx context.Context, st State, err error) error {
	s.setState(st)

	switch {
	case err == nil:
		s.log.Info().Stringer("State", st).Msg("Session ended")
	case ctx.Err() != nil:
		s.log.Info().Stringer("State", st).Msg("Session interrupted by shutdown")
	default:
		s.log.Error().Stringer("State", st).Err(err).Msg("Session failed")
	}

	return err
}

func (s *Session) pair(p device.Peripheral) {
	if err := p.Pair(); err != nil {
		s.log.Warn().Err(err).Msg("Pairing failed - continuing without")
		return
	}

	s.log.Info().Msg("Paired")
}

// enumerate reads every characteristic once for diagnostics. Errors take the value's place.
func (s *Session) enumerate(p device.Peripheral) {
	for _, uuid := range p.Characteristics() {
		value, err := p.Read(uuid)

		if err != nil {
			s.log.Debug().
				Stringer("Characteristic", uuid).
				Str("Value", err.Error()).
				Msg("Characteristic read failed")
			continue
		}

		s.log.Debug().
			Stringer("Characteristic", uuid).
			Hex("Value", value).
			Msg("Characteristic value")
	}
}

func (s *Session) initialize(ctx context.Context, p device.Peripheral) error {
	s.log.Info().
		Stringer("Characteristic", qnscale.NotificationCharacteristic).
		Msg("Enabling notifications")

	err := s.retrier.Do(ctx, "subscribe", func() error {
		return p.Subscribe(qnscale.NotificationCharacteristic, s.onNotification)
	})

	if err != nil {
		return device.Wrap(device.KindTransport, "subscribe", err)
	}

	if err := s.sleep(ctx, s.opts.SettleDelay); err != nil {
		return err
	}

	s.log.Info().Msg("Initializing parameters")

	if err := s.write(ctx, "set units", p, qnscale.SetUnitsCommand(qnscale.UnitKilograms)); err != nil {
		return err
	}

	if err := s.sleep(ctx, s.opts.SettleDelay); err != nil {
		return err
	}

	s.log.Info().Msg("Initializing time")

	if err := s.write(ctx, "set time", p, qnscale.SetTimeCommand(s.opts.Now())); err != nil {
		return err
	}

	return s.sleep(ctx, s.opts.SettleDelay)
}

func (s *Session) write(ctx context.Context, op string, p device.Peripheral, f qnscale.Frame) error {
	s.log.Debug().
		Stringer("Characteristic", qnscale.WriteCharacteristic).
		Hex("TX", f).
		Msg(op)

	err := s.retrier.Do(ctx, op, func() error {
		return p.Write(qnscale.WriteCharacteristic, f)
	})

	return device.Wrap(device.KindTransport, op, err)
}

// stream polls the battery level until the scale goes away. Returns nil when it does.
func (s *Session) stream(ctx context.Context, p device.Peripheral) error {
	s.log.Info().Msg("Streaming readings")

	for {
		level, err := p.Read(qnscale.BatteryLevelCharacteristic)

		if err != nil {
			s.log.Info().Err(err).Msg("Disconnected")
			return nil
		}

		if len(level) == 0 {
			s.log.Info().Msg("Disconnected: empty battery level")
			return nil
		}

		s.log.Debug().Uint8("BatteryLevel", level[0]).Msg("Battery level")

		if err := s.sleep(ctx, s.opts.BatteryPollInterval); err != nil {
			return err
		}
	}
}

// onNotification runs on the transport's goroutine for every inbound frame.
func (s *Session) onNotification(data []byte) {
	s.log.Debug().
		Stringer("Characteristic", qnscale.NotificationCharacteristic).
		Hex("RX", data).
		Msg("Notification")

	reading, err := qnscale.Decode(data)
	framesCounter.WithLabelValues(frameOutcome(err)).Inc()

	if err != nil {
		ev := s.log.Error()

		if qnscale.IsExpectedRejection(err) {
			ev = s.log.Debug()
		}

		ev.Err(device.Wrap(device.KindProtocol, "decode", err)).Msg("Dropping frame")
		return
	}

	s.log.Info().
		Float64("WeightKg", reading.WeightKg).
		Float64("WeightLbs", reading.WeightLbs).
		Uint16("ResistanceOne", uint16(reading.ResistanceOne)).
		Uint16("ResistanceTwo", uint16(reading.ResistanceTwo)).
		Msg("Decoded reading")

	select {
	case s.readings <- reading:
	default:
		s.log.Warn().Stringer("Reading", reading).Msg("Reporting backlog full, dropping reading")
	}
}

func (s *Session) forward(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case r := <-s.readings:
			s.report(ctx, r)
		case <-done:
			for {
				select {
				case r := <-s.readings:
					s.report(ctx, r)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) report(ctx context.Context, r device.Reading) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReportTimeout)
	defer cancel()

	if err := s.reporter.Report(ctx, r); err != nil {
		s.log.Error().
			Err(device.Wrap(device.KindReporting, "report", err)).
			Stringer("Reading", r).
			Msg("Failed to report reading, discarding")
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if err := sleep(ctx, d); err != nil {
		return fmt.Errorf("interrupted while waiting: %w", err)
	}

	return nil
}
