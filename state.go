package packetry

// captureState is the single control byte written to the analyzer to start
// or stop capturing:
//
//	bit 0    capture enabled
//	bits 1-2 speed code (see Speed)
//
// A fresh state is built for every transition; the device never reports it
// back.
type captureState byte

const (
	stateEnableBit  = 0x01
	stateSpeedShift = 1
	stateSpeedMask  = 0b11
)

// newCaptureState packs an enable flag and a speed into the wire byte.
func newCaptureState(enable bool, speed Speed) captureState {
	var state captureState
	if enable {
		state |= stateEnableBit
	}
	state |= captureState(byte(speed)&stateSpeedMask) << stateSpeedShift
	return state
}

// enabled reports the enable flag of the packed state.
func (s captureState) enabled() bool {
	return s&stateEnableBit != 0
}

// speed reports the speed code of the packed state.
func (s captureState) speed() Speed {
	return Speed(byte(s) >> stateSpeedShift & stateSpeedMask)
}
