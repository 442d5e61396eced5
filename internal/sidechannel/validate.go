package sidechannel

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/ilyastahir2001/quran-with-tahir-sub001/internal/protocol"
)

const (
	MaxMessageBytes = 4096
	MaxMessageChars = 2000

	// MaxStrokePoints keeps a full stroke inside one bus envelope. A point
	// rounded to strokePrecision encodes to at most maxPointBytes, and the
	// rest of the stroke and the envelope header fit in the remainder.
	MaxStrokePoints = (protocol.MaxEnvelopeBytes - strokeOverhead) / maxPointBytes

	// MaxStrokeCoord bounds each coordinate's magnitude.
	MaxStrokeCoord = 100000
	// MaxStrokeLabel bounds Color and Tool.
	MaxStrokeLabel = 32

	maxStrokeID     = 64
	strokePrecision = 1e4
	maxPointBytes   = len(`{"x":-99999.9999,"y":-99999.9999},`)
	strokeOverhead  = 2048
)

var (
	ErrEmptyMessage  = errors.New("sidechannel: message text is empty")
	ErrInvalidUTF8   = errors.New("sidechannel: message contains invalid UTF-8")
	ErrMessageLength = errors.New("sidechannel: message too long")
	ErrInvalidStroke = errors.New("sidechannel: invalid stroke")
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrMessageLength, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrMessageLength, MaxMessageChars)
	}
	return nil
}

func validateStroke(s protocol.Stroke) error {
	switch n := len(s.Points); {
	case n == 0:
		return fmt.Errorf("%w: no points", ErrInvalidStroke)
	case n > MaxStrokePoints:
		return fmt.Errorf("%w: more than %d points", ErrInvalidStroke, MaxStrokePoints)
	}
	if len(s.ID) > maxStrokeID {
		return fmt.Errorf("%w: id longer than %d bytes", ErrInvalidStroke, maxStrokeID)
	}
	if len(s.Color) > MaxStrokeLabel || len(s.Tool) > MaxStrokeLabel {
		return fmt.Errorf("%w: color or tool longer than %d bytes", ErrInvalidStroke, MaxStrokeLabel)
	}
	if !finite(s.Width) || s.Width < 0 || s.Width > MaxStrokeCoord {
		return fmt.Errorf("%w: bad width", ErrInvalidStroke)
	}
	for _, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) || math.Abs(p.X) > MaxStrokeCoord || math.Abs(p.Y) > MaxStrokeCoord {
			return fmt.Errorf("%w: point out of range", ErrInvalidStroke)
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// roundStroke trims coordinates to strokePrecision so the encoded size stays
// within the per-point budget.
func roundStroke(s protocol.Stroke) protocol.Stroke {
	pts := make([]protocol.Point, len(s.Points))
	for i, p := range s.Points {
		pts[i] = protocol.Point{X: round(p.X), Y: round(p.Y)}
	}
	s.Points = pts
	s.Width = round(s.Width)
	return s
}

func round(f float64) float64 {
	return math.Round(f*strokePrecision) / strokePrecision
}
