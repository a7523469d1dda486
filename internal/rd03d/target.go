package rd03d

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFrameLength is returned when a frame of the wrong size reaches the
// decoder. It means the synchronizer is broken and is not recoverable.
var ErrFrameLength = errors.New("rd03d: frame must be exactly 30 bytes")

// Target is one detection decoded from a frame slot.
type Target struct {
	// Slot is the 1-based slot index within the frame. It is echoed for
	// debugging only and carries no identity across frames.
	Slot     int  `json:"slot"`
	XMM      int  `json:"x_mm"`
	YMM      int  `json:"y_mm"`
	RangeMM  uint `json:"range_mm"`
	SpeedCMS int  `json:"speed_cm_s"`
	GateMM   uint `json:"distance_gate_mm"`
}

// RangeM returns the radial distance in meters.
func (t Target) RangeM() float64 { return float64(t.RangeMM) / 1000.0 }

// SpeedMPS returns the signed speed in meters per second.
func (t Target) SpeedMPS() float64 { return float64(t.SpeedCMS) / 100.0 }

// DecodeSignedMagnitude decodes a 16 bit sensor field where bit 15 is set for
// positive values and bits 0-14 hold the magnitude.
func DecodeSignedMagnitude(u uint16) int {
	if u == 0 {
		return 0
	}
	mag := int(u & 0x7FFF)
	if u&0x8000 != 0 {
		return mag
	}
	return -mag
}

// DecodeTargets decodes a frame held in a byte slice.
func DecodeTargets(b []byte) ([]Target, error) {
	if len(b) != FrameLen {
		return nil, fmt.Errorf("%w: got %d", ErrFrameLength, len(b))
	}
	return RawFrame(b).Targets(), nil
}

// Targets decodes the occupied slots of the frame. An all-zero slot means no
// target and is skipped, so the result has between zero and three entries.
func (f RawFrame) Targets() []Target {
	var targets []Target
	for i := range TargetsPerFrame {
		off := headerLen + i*SlotLen
		slot := f[off : off+SlotLen]
		if isZero(slot) {
			continue
		}

		x := DecodeSignedMagnitude(binary.LittleEndian.Uint16(slot[0:2]))
		y := DecodeSignedMagnitude(binary.LittleEndian.Uint16(slot[2:4]))
		speed := DecodeSignedMagnitude(binary.LittleEndian.Uint16(slot[4:6]))
		gate := binary.LittleEndian.Uint16(slot[6:8])

		targets = append(targets, Target{
			Slot:     i + 1,
			XMM:      x,
			YMM:      y,
			RangeMM:  uint(math.Round(math.Hypot(float64(x), float64(y)))),
			SpeedCMS: speed,
			GateMM:   uint(gate),
		})
	}
	return targets
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// EncodeSignedMagnitude is the inverse of DecodeSignedMagnitude. Values whose
// magnitude exceeds 0x7FFF are saturated.
func EncodeSignedMagnitude(v int) uint16 {
	if v == 0 {
		return 0
	}
	mag := v
	if mag < 0 {
		mag = -mag
	}
	if mag > 0x7FFF {
		mag = 0x7FFF
	}
	if v > 0 {
		return uint16(mag) | 0x8000
	}
	return uint16(mag)
}

// BuildFrame assembles a valid frame from up to three targets. Slot i of the
// frame holds targets[i]; Slot and RangeMM on the input are ignored. It is
// used by the replay simulator and tests.
func BuildFrame(targets ...Target) RawFrame {
	var f RawFrame
	copy(f[:headerLen], FrameHeader)
	for i, t := range targets {
		if i >= TargetsPerFrame {
			break
		}
		off := headerLen + i*SlotLen
		binary.LittleEndian.PutUint16(f[off:], EncodeSignedMagnitude(t.XMM))
		binary.LittleEndian.PutUint16(f[off+2:], EncodeSignedMagnitude(t.YMM))
		binary.LittleEndian.PutUint16(f[off+4:], EncodeSignedMagnitude(t.SpeedCMS))
		binary.LittleEndian.PutUint16(f[off+6:], uint16(t.GateMM))
	}
	copy(f[FrameLen-tailLen:], FrameTail)
	return f
}
