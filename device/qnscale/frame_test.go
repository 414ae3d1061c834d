package qnscale_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/robertof/go-qnscale-relay/device/qnscale"
)

func TestChecksum(t *testing.T) {
	cases := []struct {
		in   []byte
		want byte
	}{
		{nil, 0x00},
		{[]byte{0x01, 0x02, 0x03}, 0x06},
		{[]byte{0xff, 0x01}, 0x00},
		{[]byte{0xff, 0xff, 0xff}, 0xfd},
	}

	for _, c := range cases {
		if got := qnscale.Checksum(c.in); got != c.want {
			t.Errorf("Checksum(% x) = 0x%02x, want 0x%02x", c.in, got, c.want)
		}
	}
}

func TestSetUnitsCommand(t *testing.T) {
	got := qnscale.SetUnitsCommand(qnscale.UnitKilograms)
	want := qnscale.Frame{0x13, 0x09, 0x15, 0x01, 0x10, 0x00, 0x00, 0x00, 0x00, 0x42}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SetUnitsCommand(kg) = % x, want % x", got, want)
	}
}

func TestSetUnitsCommand_ChecksumInvariant(t *testing.T) {
	for u := 0; u < 256; u++ {
		f := qnscale.SetUnitsCommand(qnscale.Unit(u))
		last := len(f) - 1

		if f[last] != qnscale.Checksum(f[:last]) {
			t.Fatalf("SetUnitsCommand(0x%02x) = % x: trailing byte is not the checksum", u, f)
		}
	}
}

func TestSetTimeCommand(t *testing.T) {
	at := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	// 2024-03-01T12:00:00Z - 2000-01-01T00:00:00Z
	secs := uint32(762609600)

	got := qnscale.SetTimeCommand(at)
	want := qnscale.Frame{0x02, byte(secs), byte(secs >> 8), byte(secs >> 16), byte(secs >> 24)}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SetTimeCommand(%v) = % x, want % x", at, got, want)
	}
}

func TestScaleEpochSeconds(t *testing.T) {
	epoch := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

	if got := qnscale.ScaleEpochSeconds(epoch); got != 0 {
		t.Errorf("ScaleEpochSeconds(epoch) = %d, want 0", got)
	}

	if got := qnscale.ScaleEpochSeconds(epoch.Add(90 * time.Second)); got != 90 {
		t.Errorf("ScaleEpochSeconds(epoch+90s) = %d, want 90", got)
	}

	if got := qnscale.ScaleEpochSeconds(epoch.Add(-time.Hour)); got != 0 {
		t.Errorf("ScaleEpochSeconds(before epoch) = %d, want 0", got)
	}

	// zone must not matter
	est := time.FixedZone("EST", -5*60*60)

	if got := qnscale.ScaleEpochSeconds(epoch.In(est)); got != 0 {
		t.Errorf("ScaleEpochSeconds(epoch in EST) = %d, want 0", got)
	}
}

func TestBuildCommand(t *testing.T) {
	if _, err := qnscale.BuildCommand(qnscale.CommandKind(42), nil); err == nil {
		t.Errorf("BuildCommand(unknown kind) got nil error")
	}

	if _, err := qnscale.BuildCommand(qnscale.CommandSetTime, []byte{0x01}); err == nil {
		t.Errorf("BuildCommand(SetTime, 1 byte) got nil error")
	}

	got, err := qnscale.BuildCommand(qnscale.CommandSetTime, []byte{0x01, 0x02, 0x03, 0x04})

	if err != nil {
		t.Fatalf("BuildCommand(SetTime) got error: %v", err)
	}

	if want := (qnscale.Frame{0x02, 0x01, 0x02, 0x03, 0x04}); !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildCommand(SetTime) = % x, want % x", got, want)
	}
}
