package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robertof/go-qnscale-relay/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamingPeripheral(addr string) *mockPeripheral {
	p := newMockPeripheral(addr)
	p.battery = func(p *mockPeripheral, n int) ([]byte, error) {
		if n == 1 {
			p.notify(knownVector)
			return []byte{0x64}, nil
		}

		return nil, errMockDisconnected
	}

	return p
}

// scanOnce returns ads on the first cycle and shuts the relay down on the next one.
func scanOnce(cancel context.CancelFunc, ads ...device.Advertisement) func(context.Context, int) ([]device.Advertisement, error) {
	return func(ctx context.Context, n int) ([]device.Advertisement, error) {
		if n == 1 {
			return ads, nil
		}

		cancel()
		return nil, ctx.Err()
	}
}

var testRelayOptions = RelayOptions{
	DiscoveryWindow: time.Millisecond,
	Session:         testSessionOptions,
}

func TestRelay_ConnectsOnlyMatchingDevices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scale := streamingPeripheral(scaleAd.Addr)
	other := streamingPeripheral("11:22:33:44:55:66")

	transport := newMockTransport(scale, other)
	transport.scan = scanOnce(cancel,
		device.Advertisement{Addr: other.addr, LocalName: "Thermometer"},
		scaleAd,
		device.Advertisement{Addr: "22:33:44:55:66:77"},
	)

	reporter := &mockReporter{}
	relay := NewRelay(transport, reporter, testRetrier(nil), testRelayOptions)

	require.NoError(t, relay.Run(ctx))
	assert.Equal(t, []string{scaleAd.Addr}, transport.connected())
	assert.Len(t, reporter.reported(), 1)
	assert.Equal(t, 2, transport.scans)
	assert.False(t, other.disconnected)
}

func TestRelay_CustomDeviceName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := streamingPeripheral(scaleAd.Addr)

	transport := newMockTransport(p)
	transport.scan = scanOnce(cancel,
		scaleAd,
		device.Advertisement{Addr: "22:33:44:55:66:77", LocalName: "Renpho-Scale"},
	)

	opts := testRelayOptions
	opts.DeviceName = "Renpho-Scale"

	relay := NewRelay(transport, &mockReporter{}, testRetrier(nil), opts)

	require.NoError(t, relay.Run(ctx))
	assert.Equal(t, []string{"22:33:44:55:66:77", "22:33:44:55:66:77", "22:33:44:55:66:77"}, transport.connected())
}

func TestRelay_ShutdownDuringScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newMockTransport()
	transport.scan = func(ctx context.Context, n int) ([]device.Advertisement, error) {
		cancel()
		return []device.Advertisement{scaleAd}, nil
	}

	relay := NewRelay(transport, &mockReporter{}, testRetrier(nil), testRelayOptions)

	require.NoError(t, relay.Run(ctx))
	assert.Equal(t, 1, transport.scans)
	assert.Empty(t, transport.connected())
}

func TestRelay_ScanErrorDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := streamingPeripheral(scaleAd.Addr)
	transport := newMockTransport(p)
	transport.scan = func(ctx context.Context, n int) ([]device.Advertisement, error) {
		switch n {
		case 1:
			return nil, errors.New("hci: command disallowed")
		case 2:
			return []device.Advertisement{scaleAd}, nil
		default:
			cancel()
			return nil, ctx.Err()
		}
	}

	reporter := &mockReporter{}
	relay := NewRelay(transport, reporter, testRetrier(nil), testRelayOptions)

	require.NoError(t, relay.Run(ctx))
	assert.Equal(t, 3, transport.scans)
	assert.Len(t, reporter.reported(), 1)
}

func TestRelay_FailingDeviceDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := device.Advertisement{Addr: "de:ad:be:ef:00:01", LocalName: "QN-Scale"}
	p := streamingPeripheral(scaleAd.Addr)

	transport := newMockTransport(p)
	transport.scan = scanOnce(cancel, broken, scaleAd)

	reporter := &mockReporter{}
	relay := NewRelay(transport, reporter, testRetrier(nil), testRelayOptions)

	require.NoError(t, relay.Run(ctx))
	assert.Equal(t, []string{broken.Addr, broken.Addr, broken.Addr, scaleAd.Addr}, transport.connected())
	assert.Len(t, reporter.reported(), 1)
	assert.True(t, p.disconnected)
}

func TestRelay_ReconnectsOnNextCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newMockPeripheral(scaleAd.Addr)

	transport := newMockTransport(p)
	transport.scan = func(ctx context.Context, n int) ([]device.Advertisement, error) {
		if n <= 2 {
			return []device.Advertisement{scaleAd}, nil
		}

		cancel()
		return nil, ctx.Err()
	}

	relay := NewRelay(transport, &mockReporter{}, testRetrier(nil), testRelayOptions)

	require.NoError(t, relay.Run(ctx))
	assert.Equal(t, []string{scaleAd.Addr, scaleAd.Addr}, transport.connected())
	assert.Equal(t, 2, p.subscribeCalls)
}

func TestRelay_ConcurrentSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	second := device.Advertisement{Addr: "aa:bb:cc:dd:ee:00", LocalName: "QN-Scale"}
	p1 := streamingPeripheral(scaleAd.Addr)
	p2 := streamingPeripheral(second.Addr)

	transport := newMockTransport(p1, p2)
	transport.scan = scanOnce(cancel, scaleAd, second)

	opts := testRelayOptions
	opts.Concurrent = true

	reporter := &mockReporter{}
	relay := NewRelay(transport, reporter, testRetrier(nil), opts)

	require.NoError(t, relay.Run(ctx))
	assert.ElementsMatch(t, []string{scaleAd.Addr, second.Addr}, transport.connected())
	assert.Len(t, reporter.reported(), 2)
	assert.True(t, p1.disconnected)
	assert.True(t, p2.disconnected)
}

func TestNewRelay_Defaults(t *testing.T) {
	relay := NewRelay(newMockTransport(), &mockReporter{}, testRetrier(nil), RelayOptions{})

	assert.Equal(t, "QN-Scale", relay.opts.DeviceName)
	assert.Equal(t, DefaultDiscoveryWindow, relay.opts.DiscoveryWindow)
}
