package qnscale

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/robertof/go-qnscale-relay/device"
	"github.com/robertof/go-qnscale-relay/utils"
)

const (
	messageTypeIdx   = 0
	protocolTypeIdx  = 2
	weightIdx        = 3
	readyIdx         = 5
	resistanceOneIdx = 6
	resistanceTwoIdx = 8

	weightFrameLength = 11

	messageTypeWeight byte = 0x10
	protocolType      byte = 0xff

	poundsPerKilogram = 2.20462
)

// Only the low bit of the ready byte marks a stable reading. Scales in the field report 0x11 for
// a settled weight as well as 0x01, and what the upper bits mean is unknown, so they are ignored:
// 0x03, 0x21 or 0xff decode as stable just the same.
const readyStable byte = 0x01

var (
	ErrEmptyMessage    = errors.New("empty message")
	ErrUnknownType     = errors.New("unknown message type")
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidProtocol = errors.New("invalid protocol type")
	// The scale has not settled on a stable weight yet. Normal while someone is stepping on.
	ErrNotReady = errors.New("scale not ready")
)

// IsExpectedRejection reports whether err is a rejection that happens during normal polling.
func IsExpectedRejection(err error) bool {
	return utils.ErrorIsAnyOf(err, ErrNotReady, ErrUnknownType)
}

// Decode parses a weight notification.
//
//	offset:  0      1  2         3-4             5      6-7    8-9    10
//	         |type |?|protocol|weight (BE cg)|ready|R1 (BE)|R2 (BE)|?|
//
// e.g. 10 0b ff 0b 2c 11 00 00 00 00 62 is 28.6 kg.
func Decode(frame []byte) (r device.Reading, err error) {
	if len(frame) == 0 {
		return r, ErrEmptyMessage
	}

	if t := frame[messageTypeIdx]; t != messageTypeWeight {
		return r, errors.Wrapf(ErrUnknownType, "type 0x%02x", t)
	}

	if len(frame) != weightFrameLength {
		return r, errors.Wrapf(ErrInvalidLength, "got %d bytes, want %d",
			len(frame), weightFrameLength)
	}

	if p := frame[protocolTypeIdx]; p != protocolType {
		return r, errors.Wrapf(ErrInvalidProtocol, "got 0x%02x, want 0x%02x", p, protocolType)
	}

	if frame[readyIdx]&readyStable == 0 {
		return r, ErrNotReady
	}

	bo := binary.BigEndian
	centigrams := bo.Uint16(frame[weightIdx:])

	r.WeightKg = float64(centigrams) / 100.0
	r.WeightLbs = math.Round(r.WeightKg*poundsPerKilogram*10) / 10
	r.ResistanceOne = device.RawResistance(bo.Uint16(frame[resistanceOneIdx:]))
	r.ResistanceTwo = device.RawResistance(bo.Uint16(frame[resistanceTwoIdx:]))

	return r, nil
}
