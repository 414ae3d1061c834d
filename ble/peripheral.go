package ble

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/robertof/go-qnscale-relay/device"
)

var (
	ErrPairingUnsupported     = errors.New("ble: pairing is not supported by the HCI stack")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found in profile")
)

// Conn is a connected peripheral and the profile discovered on it. GATT requests are
// serialized; the ATT bearer only carries one at a time anyway.
type Conn struct {
	mu sync.Mutex

	client  ble.Client
	profile *ble.Profile
}

var _ device.Peripheral = (*Conn)(nil)

func newConn(client ble.Client, profile *ble.Profile) *Conn {
	return &Conn{
		client:  client,
		profile: profile,
	}
}

func (c *Conn) Addr() string {
	return c.client.Addr().String()
}

// Pair always fails: go-ble exposes no SMP pairing.
func (c *Conn) Pair() error {
	return ErrPairingUnsupported
}

func (c *Conn) Characteristics() []ble.UUID {
	var out []ble.UUID

	for _, svc := range c.profile.Services {
		for _, char := range svc.Characteristics {
			out = append(out, char.UUID)
		}
	}

	return out
}

func (c *Conn) find(uuid ble.UUID) (*ble.Characteristic, error) {
	char := c.profile.FindCharacteristic(ble.NewCharacteristic(uuid))

	if char == nil {
		return nil, fmt.Errorf("%w: %v", ErrCharacteristicNotFound, uuid)
	}

	return char, nil
}

func (c *Conn) Read(uuid ble.UUID) ([]byte, error) {
	char, err := c.find(uuid)

	if err != nil {
		return nil, err
	}

	if char.Property&ble.CharRead == 0 {
		return nil, fmt.Errorf("read %v: %w", uuid, ErrReadNotPerm)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.ReadCharacteristic(char)
}

// Write uses a write request when the characteristic supports one and falls back to a
// write command otherwise.
func (c *Conn) Write(uuid ble.UUID, data []byte) error {
	char, err := c.find(uuid)

	if err != nil {
		return err
	}

	noRsp := char.Property&ble.CharWrite == 0

	if noRsp && char.Property&ble.CharWriteNR == 0 {
		return fmt.Errorf("write %v: %w", uuid, ErrWriteNotPerm)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.WriteCharacteristic(char, data, noRsp)
}

func (c *Conn) Subscribe(uuid ble.UUID, h func(data []byte)) error {
	char, err := c.find(uuid)

	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.Subscribe(char, char.Property&ble.CharNotify == 0, ble.NotificationHandler(h))
}

func (c *Conn) Disconnect() error {
	return c.client.CancelConnection()
}
