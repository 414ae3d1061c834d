package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/robertof/go-qnscale-relay/device"
	"github.com/robertof/go-qnscale-relay/device/qnscale"
)

var errMockDisconnected = errors.New("mock: device disconnected")

type mockPeripheral struct {
	mu sync.Mutex

	addr            string
	pairErr         error
	chars           []ble.UUID
	charValues      map[string][]byte
	subscribeErrors int
	writeErrors     int

	// battery decides what each battery read returns; n starts at 1. Defaults to a
	// disconnect on the first read.
	battery func(p *mockPeripheral, n int) ([]byte, error)

	reads          []string
	writes         [][]byte
	subscribeCalls int
	batteryReads   int
	handler        func([]byte)
	disconnected   bool
}

func newMockPeripheral(addr string) *mockPeripheral {
	return &mockPeripheral{
		addr:       addr,
		charValues: map[string][]byte{},
	}
}

func (p *mockPeripheral) Addr() string { return p.addr }

func (p *mockPeripheral) Pair() error { return p.pairErr }

func (p *mockPeripheral) Characteristics() []ble.UUID { return p.chars }

func (p *mockPeripheral) Read(uuid ble.UUID) ([]byte, error) {
	p.mu.Lock()
	p.reads = append(p.reads, uuid.String())

	if uuid.Equal(qnscale.BatteryLevelCharacteristic) {
		p.batteryReads += 1
		n := p.batteryReads
		battery := p.battery
		p.mu.Unlock()

		if battery == nil {
			return nil, errMockDisconnected
		}

		return battery(p, n)
	}

	defer p.mu.Unlock()

	if v, ok := p.charValues[uuid.String()]; ok {
		return v, nil
	}

	return nil, errors.New("mock: read not permitted")
}

func (p *mockPeripheral) Write(uuid ble.UUID, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !uuid.Equal(qnscale.WriteCharacteristic) {
		return errors.New("mock: unexpected write characteristic")
	}

	if p.writeErrors > 0 {
		p.writeErrors -= 1
		return errors.New("mock: write failed")
	}

	p.writes = append(p.writes, append([]byte(nil), data...))

	return nil
}

func (p *mockPeripheral) Subscribe(uuid ble.UUID, h func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribeCalls += 1

	if !uuid.Equal(qnscale.NotificationCharacteristic) {
		return errors.New("mock: unexpected notification characteristic")
	}

	if p.subscribeErrors > 0 {
		p.subscribeErrors -= 1
		return errors.New("mock: subscribe failed")
	}

	p.handler = h

	return nil
}

func (p *mockPeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.disconnected = true

	return nil
}

// notify delivers a frame the way the transport would.
func (p *mockPeripheral) notify(data []byte) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h(data)
	}
}

type mockTransport struct {
	mu sync.Mutex

	// scan decides what each scan cycle returns; n starts at 1.
	scan          func(ctx context.Context, n int) ([]device.Advertisement, error)
	peripherals   map[string]*mockPeripheral
	connectErrors map[string]int

	scans    int
	connects []string
}

func newMockTransport(peripherals ...*mockPeripheral) *mockTransport {
	t := &mockTransport{
		peripherals:   map[string]*mockPeripheral{},
		connectErrors: map[string]int{},
	}

	for _, p := range peripherals {
		t.peripherals[p.addr] = p
	}

	return t
}

func (t *mockTransport) Scan(ctx context.Context, window time.Duration) ([]device.Advertisement, error) {
	t.mu.Lock()
	t.scans += 1
	n := t.scans
	scan := t.scan
	t.mu.Unlock()

	if scan == nil {
		return nil, nil
	}

	return scan(ctx, n)
}

func (t *mockTransport) Connect(ctx context.Context, addr string) (device.Peripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects = append(t.connects, addr)

	if t.connectErrors[addr] > 0 {
		t.connectErrors[addr] -= 1
		return nil, errors.New("mock: connection failed")
	}

	p, ok := t.peripherals[addr]

	if !ok {
		return nil, errors.New("mock: no such device")
	}

	return p, nil
}

func (t *mockTransport) connected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.connects...)
}

type mockReporter struct {
	mu       sync.Mutex
	err      error
	readings []device.Reading
	ctxErrs  []error
}

func (r *mockReporter) Report(ctx context.Context, reading device.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.readings = append(r.readings, reading)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())

	return r.err
}

// contextErrs returns the state of the context each reading was reported with.
func (r *mockReporter) contextErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.ctxErrs...)
}

func (r *mockReporter) reported() []device.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]device.Reading(nil), r.readings...)
}

// testRetrier retries without waiting and counts the pauses it would have taken.
func testRetrier(sleeps *int) *Retrier {
	r := NewRetrier(RetryOptions{Attempts: DefaultRetryAttempts, Backoff: DefaultRetryBackoff})
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		if sleeps != nil {
			*sleeps += 1
		}

		return ctx.Err()
	}

	return r
}

var testSessionOptions = SessionOptions{
	SettleDelay:         0,
	BatteryPollInterval: time.Millisecond,
	Now: func() time.Time {
		return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	},
}
