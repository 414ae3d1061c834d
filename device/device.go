package device

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
)

// Advertisement is the subset of an advertising report the relay acts on. Scans yield one
// Advertisement per address, merged over the discovery window.
type Advertisement struct {
	Addr        string
	LocalName   string
	RSSI        int
	Connectable bool
}

func (a Advertisement) String() string {
	return fmt.Sprintf("advertisement[addr=%v, name=%q, rssi=%d]", a.Addr, a.LocalName, a.RSSI)
}

// Peripheral is an established GATT connection. Reads and writes are not cancellable once
// issued; callers serialize them.
type Peripheral interface {
	Addr() string

	// Pair attempts to bond with the device. Failures are informational only.
	Pair() error

	// Characteristics lists every characteristic found during profile discovery.
	Characteristics() []ble.UUID

	Read(uuid ble.UUID) ([]byte, error)
	Write(uuid ble.UUID, data []byte) error

	// Subscribe enables notifications on the characteristic. The handler runs on the
	// transport's goroutine and must not block.
	Subscribe(uuid ble.UUID, h func(data []byte)) error

	Disconnect() error
}

// Transport is the BLE stack as seen by sessions and the relay loop.
type Transport interface {
	// Scan listens for advertisements for the given window and returns what it saw.
	Scan(ctx context.Context, window time.Duration) ([]Advertisement, error)
	Connect(ctx context.Context, addr string) (Peripheral, error)
}
