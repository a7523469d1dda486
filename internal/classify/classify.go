// Package classify labels radar targets and encodes the detection packet sent
// to subscribers.
package classify

import (
	"math"

	"github.com/banshee-data/rd03d.relay/internal/rd03d"
)

// ObjectType is the label carried in the last byte of a packet.
type ObjectType uint8

const (
	Unknown ObjectType = iota
	Person
	Object
	Ghost
)

func (o ObjectType) String() string {
	switch o {
	case Person:
		return "person"
	case Object:
		return "object"
	case Ghost:
		return "ghost"
	default:
		return "unknown"
	}
}

// Trusted range and speed limits for a detection.
const (
	MinRangeM       = 0.5
	MaxRangeM       = 8.0
	MaxSpeedMPS     = 4.0
	StationarySpeed = 0.05
)

// Result is the outcome of classifying a single target.
type Result struct {
	Type       ObjectType `json:"object_type"`
	Confidence float64    `json:"confidence"`
}

// Classify labels a target. Rules are evaluated in order and the first match
// wins, so an out-of-range target is a ghost whatever its speed.
func Classify(t rd03d.Target) Result {
	r := t.RangeM()
	speed := math.Abs(t.SpeedMPS())

	switch {
	case r < MinRangeM || r > MaxRangeM:
		return Result{Type: Ghost, Confidence: 0.2}
	case speed > MaxSpeedMPS:
		return Result{Type: Ghost, Confidence: 0.3}
	case speed < StationarySpeed:
		return Result{Type: Object, Confidence: 0.8}
	default:
		return Result{Type: Person, Confidence: 0.85}
	}
}
