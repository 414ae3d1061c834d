package device

import (
	"fmt"
)

// RawResistance is a bioimpedance channel as reported by the scale: a big-endian 16-bit value.
// The device is believed to report kilo-ohms, but that is unconfirmed, so the value is passed
// through untouched.
type RawResistance uint16

// Reading is a single stable weight measurement.
type Reading struct {
	WeightLbs     float64       `json:"weight_lbs"`
	WeightKg      float64       `json:"weight_kg"`
	ResistanceOne RawResistance `json:"resistance_one_kohms"`
	ResistanceTwo RawResistance `json:"resistance_two_kohms"`
}

func (r Reading) String() string {
	return fmt.Sprintf("Reading[WeightKg=%.2f,WeightLbs=%.1f,ResistanceOne=%d,ResistanceTwo=%d]",
		r.WeightKg, r.WeightLbs, r.ResistanceOne, r.ResistanceTwo)
}
