package classify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/rd03d.relay/internal/rd03d"
)

// PacketLen is the encoded size of a Packet: five float32 and one byte.
const PacketLen = 5*4 + 1

var ErrPacketLength = fmt.Errorf("classify: packet must be %d bytes", PacketLen)

// Signal quality model. The sensor reports no SNR so it is synthesised from
// range.
const (
	DefaultPositionScale = 3.0
	DefaultMaxPositionM  = 10.0

	signalAtZeroDB   = 40.0
	signalPerMeterDB = 5.0
	MinSignalDB      = 5.0
	MaxSignalDB      = 35.0
)

// Packet is one detection as delivered to a subscriber.
type Packet struct {
	// VisualX and VisualY are exaggerated for display and clamped to the
	// subscriber's grid. Depth is the true range.
	VisualX       float32    `json:"visual_x"`
	VisualY       float32    `json:"visual_y"`
	Depth         float32    `json:"depth"`
	SignalQuality float32    `json:"signal_quality_db"`
	Confidence    float32    `json:"confidence"`
	Type          ObjectType `json:"object_type"`
}

// MarshalBinary encodes the packet as little-endian <fffffB.
func (p Packet) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, PacketLen))
}

// AppendBinary appends the encoded packet to b.
func (p Packet) AppendBinary(b []byte) ([]byte, error) {
	for _, v := range []float32{p.VisualX, p.VisualY, p.Depth, p.SignalQuality, p.Confidence} {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return append(b, byte(p.Type)), nil
}

// UnmarshalBinary decodes a packet produced by MarshalBinary.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) != PacketLen {
		return errors.Join(ErrPacketLength, fmt.Errorf("got %d bytes", len(b)))
	}
	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])) }
	*p = Packet{
		VisualX:       f(0),
		VisualY:       f(1),
		Depth:         f(2),
		SignalQuality: f(3),
		Confidence:    f(4),
		Type:          ObjectType(b[20]),
	}
	return nil
}

// Encoder turns targets into packets using the configured display scaling.
type Encoder struct {
	PositionScale float64
	MaxPositionM  float64
}

// NewEncoder returns an Encoder with the default scale and clamp.
func NewEncoder() Encoder {
	return Encoder{PositionScale: DefaultPositionScale, MaxPositionM: DefaultMaxPositionM}
}

// SignalQuality returns the synthetic signal quality in dB for a range.
func SignalQuality(depthM float64) float64 {
	return clamp(signalAtZeroDB-depthM*signalPerMeterDB, MinSignalDB, MaxSignalDB)
}

// Encode builds the packet for a target. The packet confidence is derived
// from signal quality alone and is unrelated to Classify's confidence; only
// the object type is taken from classification.
func (e Encoder) Encode(t rd03d.Target) Packet {
	x := float64(t.XMM) / 1000.0
	y := float64(t.YMM) / 1000.0
	depth := t.RangeM()

	sq := SignalQuality(depth)
	conf := clamp((sq-MinSignalDB)/(MaxSignalDB-MinSignalDB), 0, 1)

	return Packet{
		VisualX:       float32(clamp(x*e.PositionScale, -e.MaxPositionM, e.MaxPositionM)),
		VisualY:       float32(clamp(y*e.PositionScale, -e.MaxPositionM, e.MaxPositionM)),
		Depth:         float32(depth),
		SignalQuality: float32(sq),
		Confidence:    float32(conf),
		Type:          Classify(t).Type & 0xFF,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
