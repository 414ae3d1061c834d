package qnscale

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is one outbound command or one inbound notification.
type Frame []byte

type CommandKind uint8

const (
	CommandSetUnits CommandKind = iota + 1
	CommandSetTime
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetUnits:
		return "SetUnits"
	case CommandSetTime:
		return "SetTime"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

type Unit byte

const (
	UnitKilograms Unit = 0x01
)

// commandLayout describes the fixed shape of a command: header, then params, then trailer,
// then the checksum byte if any.
type commandLayout struct {
	header   []byte
	params   int
	trailer  []byte
	checksum bool
}

var commandLayouts = map[CommandKind]commandLayout{
	CommandSetUnits: {
		header:   []byte{0x13, 0x09, 0x15},
		params:   1,
		trailer:  []byte{0x10, 0x00, 0x00, 0x00, 0x00},
		checksum: true,
	},
	CommandSetTime: {
		header: []byte{0x02},
		params: 4,
	},
}

// The scale counts time in seconds from 2000-01-01T00:00:00Z.
var scaleEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Checksum is the sum of all bytes modulo 256. It is what the scale expects, nothing stronger.
func Checksum(b []byte) (sum byte) {
	for _, v := range b {
		sum += v
	}

	return sum
}

// BuildCommand lays out a command of the given kind around params and appends the checksum
// byte when the kind carries one.
func BuildCommand(kind CommandKind, params []byte) (Frame, error) {
	layout, ok := commandLayouts[kind]

	if !ok {
		return nil, fmt.Errorf("unknown command kind %v", kind)
	}

	if len(params) != layout.params {
		return nil, fmt.Errorf("command %v takes %d parameter bytes, got %d",
			kind, layout.params, len(params))
	}

	size := len(layout.header) + layout.params + len(layout.trailer)

	if layout.checksum {
		size += 1
	}

	f := make(Frame, 0, size)
	f = append(f, layout.header...)
	f = append(f, params...)
	f = append(f, layout.trailer...)

	if layout.checksum {
		f = append(f, Checksum(f))
	}

	return f, nil
}

func mustBuild(kind CommandKind, params []byte) Frame {
	f, err := BuildCommand(kind, params)

	if err != nil {
		panic(err)
	}

	return f
}

// SetUnitsCommand selects the unit the scale displays and reports in.
func SetUnitsCommand(u Unit) Frame {
	return mustBuild(CommandSetUnits, []byte{byte(u)})
}

// SetTimeCommand sets the scale clock to t.
func SetTimeCommand(t time.Time) Frame {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint32(params, ScaleEpochSeconds(t))

	return mustBuild(CommandSetTime, params)
}

// ScaleEpochSeconds converts t to the scale's clock. Times before the epoch clamp to zero.
func ScaleEpochSeconds(t time.Time) uint32 {
	secs := t.Unix() - scaleEpoch.Unix()

	if secs < 0 {
		return 0
	}

	return uint32(secs)
}
