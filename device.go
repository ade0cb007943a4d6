package packetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Identifiers of the Cynthion analyzer gadget.
const (
	vendorID  = 0x1d50
	productID = 0x615b
)

// Vendor class signature of the analyzer interface. The protocol version
// must match exactly; a mismatch is a hard compatibility failure.
const (
	analyzerClass    = 0xff
	analyzerSubclass = 0x10
	analyzerProtocol = 0x00
)

// Vendor control requests implemented by the analyzer interface.
const (
	reqSetState  = 1 // control-out, state byte in wValue, no data stage
	reqGetSpeeds = 2 // control-in, 1-byte supported-speeds bitmask
)

const controlTimeout = time.Second

// controlTransport is the slice of the USB device surface the analyzer
// control protocol needs. *gousb.Device satisfies it; tests substitute
// fakes.
type controlTransport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// InterfaceSelection identifies the claimed interface and alternate setting
// implementing the analyzer protocol.
type InterfaceSelection struct {
	Number    int
	Alternate int
}

// Usability reports whether a detected device is ready for use as an
// analyzer. It is computed once while scanning and immutable afterwards.
type Usability struct {
	// Selection and Speeds are valid when Reason is empty.
	Selection InterfaceSelection
	Speeds    []Speed

	// Reason explains why the device is unusable. Empty for a usable
	// device.
	Reason string
}

// Usable reports whether the device can be opened for capture.
func (u Usability) Usable() bool {
	return u.Reason == ""
}

// Device is a Cynthion attached to the system, together with its usability
// verdict. Hold of the device is released with Close; a usable device is
// opened for capture with Open.
type Device struct {
	Usability Usability

	dev *gousb.Device
}

// String identifies the device by its bus position.
func (d *Device) String() string {
	desc := d.dev.Desc
	return fmt.Sprintf("cynthion at bus %d address %d", desc.Bus, desc.Address)
}

// Scan finds every Cynthion attached to the system and probes each one for
// a usable analyzer interface. A device that fails probing is still
// returned, carrying the failure reason in its verdict; only enumeration
// itself can fail the scan.
func Scan(ctx *gousb.Context) ([]*Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vendorID) && desc.Product == gousb.ID(productID)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("cynthion: enumerating devices: %w", err)
	}

	devices := make([]*Device, 0, len(devs))
	for _, dev := range devs {
		dev.ControlTimeout = controlTimeout
		d := &Device{dev: dev}
		sel, speeds, err := probeAnalyzer(dev)
		if err != nil {
			d.Usability = Usability{Reason: err.Error()}
		} else {
			d.Usability = Usability{Selection: sel, Speeds: speeds}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// probeAnalyzer walks the active configuration for an alternate setting
// carrying the analyzer class signature, claims it, and queries the
// supported speeds over the freshly claimed interface. The claim is
// released again before returning; Open re-claims it for the capture
// session.
func probeAnalyzer(dev *gousb.Device) (InterfaceSelection, []Speed, error) {
	var none InterfaceSelection

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return none, nil, fmt.Errorf("reading active configuration: %w", err)
	}
	cfgDesc, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return none, nil, fmt.Errorf("active configuration %d not described", cfgNum)
	}

	for _, intf := range cfgDesc.Interfaces {
		for _, alt := range intf.AltSettings {
			if alt.Class != analyzerClass || alt.SubClass != analyzerSubclass {
				continue
			}
			// Right signature, wrong protocol version: this is a
			// compatibility failure, not a setting to skip.
			if alt.Protocol != analyzerProtocol {
				return none, nil, fmt.Errorf(
					"wrong protocol version: %d supported, %d found",
					analyzerProtocol, alt.Protocol)
			}

			sel := InterfaceSelection{Number: alt.Number, Alternate: alt.Alternate}
			cfg, claimed, err := claimAnalyzer(dev, cfgNum, sel)
			if err != nil {
				return none, nil, err
			}
			speeds, err := readSpeeds(dev, sel.Number)
			claimed.Close()
			cfg.Close()
			if err != nil {
				return none, nil, fmt.Errorf("fetching supported speeds: %w", err)
			}
			return sel, speeds, nil
		}
	}
	return none, nil, errors.New("no supported analyzer interface found")
}

// claimAnalyzer claims the analyzer interface with its required alternate
// setting. It returns both the configuration and interface holds; the
// caller owns closing them.
func claimAnalyzer(dev *gousb.Device, cfgNum int, sel InterfaceSelection) (*gousb.Config, *gousb.Interface, error) {
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting configuration %d: %w", cfgNum, err)
	}
	intf, err := cfg.Interface(sel.Number, sel.Alternate)
	if err != nil {
		cfg.Close()
		return nil, nil, fmt.Errorf("claiming interface %d (alt %d): %w", sel.Number, sel.Alternate, err)
	}
	return cfg, intf, nil
}

// Open claims the analyzer interface of a usable device and returns a
// handle ready to start a capture.
func (d *Device) Open() (*Handle, error) {
	if !d.Usability.Usable() {
		return nil, fmt.Errorf("cynthion: device not usable: %s", d.Usability.Reason)
	}
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("cynthion: reading active configuration: %w", err)
	}
	cfg, intf, err := claimAnalyzer(d.dev, cfgNum, d.Usability.Selection)
	if err != nil {
		return nil, fmt.Errorf("cynthion: %w", err)
	}
	return &Handle{
		dev:   d.dev,
		cfg:   cfg,
		intf:  intf,
		iface: d.Usability.Selection,
	}, nil
}

// Close releases the device. Handles opened from it must be closed first.
func (d *Device) Close() error {
	return d.dev.Close()
}

// Handle is an open Cynthion with the analyzer interface claimed. A handle
// supports at most one capture session; Start consumes it.
type Handle struct {
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	iface InterfaceSelection
}

// Speeds queries the device for the capture speeds it supports, in the
// fixed order {Auto, High, Full, Low}. An empty list means the device is
// not usable for capture.
func (h *Handle) Speeds() ([]Speed, error) {
	return readSpeeds(h.dev, h.iface.Number)
}

// Close releases the claimed interface and configuration. It must not be
// called while a capture is running.
func (h *Handle) Close() error {
	h.intf.Close()
	return h.cfg.Close()
}

// readSpeeds issues the supported-speeds vendor request. The device must
// answer with exactly one byte; the byte is a bitmask decoded per Speed.
func readSpeeds(ct controlTransport, ifaceNum int) ([]Speed, error) {
	buf := make([]byte, 64)
	n, err := ct.Control(
		gousb.ControlIn|gousb.ControlVendor|gousb.ControlInterface,
		reqGetSpeeds, 0, uint16(ifaceNum), buf)
	if err != nil {
		return nil, fmt.Errorf("speed request: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("expected 1-byte response to speed request, got %d", n)
	}
	return decodeSpeedMask(buf[0]), nil
}

// writeState issues the set-state vendor request carrying the packed state
// byte in the request's value field, with no data stage.
func writeState(ct controlTransport, ifaceNum int, state captureState) error {
	_, err := ct.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlInterface,
		reqSetState, uint16(state), uint16(ifaceNum), nil)
	if err != nil {
		return fmt.Errorf("writing capture state: %w", err)
	}
	return nil
}

// writeState applies a capture state transition on the handle's interface.
func (h *Handle) writeState(state captureState) error {
	return writeState(h.dev, h.iface.Number, state)
}
