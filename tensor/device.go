package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Device identifies where tensors live and where model computation runs.
type Device struct {
	Type    DeviceType
	Ordinal int
}

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu:%d", d.Ordinal)
}

// Place re-homes a tensor onto this device. Host memory is shared by every
// backend this build supports, so only the device tag changes.
func (d Device) Place(t *Tensor) *Tensor {
	t.Device = d
	return t
}

// PlaceAll re-homes every tensor in ts.
func (d Device) PlaceAll(ts []*Tensor) {
	for _, t := range ts {
		d.Place(t)
	}
}

// Selection is the outcome of SelectDevice: the device to use, and whether
// an accelerator was requested but unavailable.
type Selection struct {
	Device    Device
	Requested string
	FellBack  bool
}

// CPUDevice returns the host device.
func CPUDevice() Device {
	return Device{Type: CPU}
}

// acceleratorCount reports the accelerators usable by this build.
var acceleratorCount = func() int { return 0 }

// ParseDevice parses a device selector: "cpu", "gpu", "cuda", "cuda:1",
// "mps" or "metal". The empty string means cpu.
func ParseDevice(spec string) (Device, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	if s == "" || s == "cpu" {
		return Device{Type: CPU}, nil
	}

	name, ordinal := s, 0
	if i := strings.IndexByte(s, ':'); i >= 0 {
		name = s[:i]
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal in %q", spec)
		}
		ordinal = n
	}

	switch name {
	case "gpu", "cuda", "mps", "metal":
		return Device{Type: GPU, Ordinal: ordinal}, nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", spec)
	}
}

// SelectDevice resolves the configured device once at startup. Accelerator
// requests fall back to the CPU when no accelerator is available.
func SelectDevice(spec string) (Selection, error) {
	d, err := ParseDevice(spec)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Device: d, Requested: spec}
	if d.Type == GPU && d.Ordinal >= acceleratorCount() {
		sel.Device = Device{Type: CPU}
		sel.FellBack = true
	}
	return sel, nil
}
