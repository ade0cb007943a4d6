package packetry

import "fmt"

// Speed is a USB capture speed supported by the Cynthion analyzer.
//
// The numeric value is the 2-bit code carried in the capture state byte
// (see state.go); the wire bitmask reported by the speeds request is a
// separate encoding, see Mask.
type Speed byte

const (
	SpeedHigh Speed = 0 // High (480Mbps)
	SpeedFull Speed = 1 // Full (12Mbps)
	SpeedLow  Speed = 2 // Low (1.5Mbps)
	SpeedAuto Speed = 3 // Follow whatever the target negotiates
)

// speedDecodeOrder is the fixed order in which the supported-speeds bitmask
// is decoded. Callers rely on Speeds() preserving this order.
var speedDecodeOrder = [...]Speed{SpeedAuto, SpeedHigh, SpeedFull, SpeedLow}

// Mask returns the bit the device sets in its supported-speeds response
// byte when this speed is available.
func (s Speed) Mask() byte {
	switch s {
	case SpeedAuto:
		return 0b0001
	case SpeedLow:
		return 0b0010
	case SpeedFull:
		return 0b0100
	case SpeedHigh:
		return 0b1000
	}
	return 0
}

// Description returns the human-readable name of the speed, including the
// nominal bit rate where one applies.
func (s Speed) Description() string {
	switch s {
	case SpeedAuto:
		return "Auto"
	case SpeedHigh:
		return "High (480Mbps)"
	case SpeedFull:
		return "Full (12Mbps)"
	case SpeedLow:
		return "Low (1.5Mbps)"
	}
	return fmt.Sprintf("unknown speed %d", byte(s))
}

func (s Speed) String() string {
	return s.Description()
}

// decodeSpeedMask expands the 1-byte supported-speeds response into the
// list of flagged speeds, in the fixed order {Auto, High, Full, Low}.
// An empty list is a valid decoding: the device reports no usable speeds.
func decodeSpeedMask(mask byte) []Speed {
	var speeds []Speed
	for _, s := range speedDecodeOrder {
		if mask&s.Mask() != 0 {
			speeds = append(speeds, s)
		}
	}
	return speeds
}

// ParseSpeed converts a user-supplied name ("auto", "high", "full", "low")
// into a Speed.
func ParseSpeed(name string) (Speed, error) {
	switch name {
	case "auto":
		return SpeedAuto, nil
	case "high":
		return SpeedHigh, nil
	case "full":
		return SpeedFull, nil
	case "low":
		return SpeedLow, nil
	}
	return 0, fmt.Errorf("cynthion: unknown capture speed %q", name)
}
