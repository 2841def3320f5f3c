package mesh

import (
	"errors"
	"fmt"
)

// ErrUnsupportedTopology reports a device count with no known mesh shape.
var ErrUnsupportedTopology = errors.New("mesh: unsupported device count")

// Axis names, in mesh order.
const (
	AxisBatch = "batch"
	AxisFSDP  = "fsdp"
	AxisMP    = "mp"
)

// Device is one logical accelerator slot with its mesh coordinate.
type Device struct {
	ID    int
	Coord [3]int
}

// Mesh arranges devices into the fixed (batch, fsdp, mp) topology. It is
// immutable after construction.
type Mesh struct {
	shape   [3]int
	devices []Device
}

// Build maps a device count onto the 3-axis mesh: 4 devices form (1,2,2)
// and 8 devices form (2,2,2). Every other count is a configuration error.
func Build(numDevices int) (*Mesh, error) {
	var shape [3]int
	switch numDevices {
	case 4:
		shape = [3]int{1, 2, 2}
	case 8:
		shape = [3]int{2, 2, 2}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTopology, numDevices)
	}

	devices := make([]Device, 0, numDevices)
	id := 0
	for b := 0; b < shape[0]; b++ {
		for f := 0; f < shape[1]; f++ {
			for m := 0; m < shape[2]; m++ {
				devices = append(devices, Device{ID: id, Coord: [3]int{b, f, m}})
				id++
			}
		}
	}
	return &Mesh{shape: shape, devices: devices}, nil
}

// Shape returns the axis sizes in (batch, fsdp, mp) order.
func (m *Mesh) Shape() [3]int { return m.shape }

// Axes returns the axis names in mesh order.
func (m *Mesh) Axes() [3]string { return [3]string{AxisBatch, AxisFSDP, AxisMP} }

// NumDevices returns the device count.
func (m *Mesh) NumDevices() int { return len(m.devices) }

// Devices returns a copy of the enumerated devices.
func (m *Mesh) Devices() []Device {
	return append([]Device(nil), m.devices...)
}

// PartitionSpec names the mesh axis a tensor's leading dimension is split
// across. An empty spec replicates the tensor on every device.
type PartitionSpec []string

// NamedSharding binds a partition spec to a mesh.
type NamedSharding struct {
	mesh *Mesh
	spec PartitionSpec
}

// Sharding builds a NamedSharding over the mesh.
func (m *Mesh) Sharding(spec ...string) NamedSharding {
	return NamedSharding{mesh: m, spec: PartitionSpec(spec)}
}

// Spec returns the partition spec.
func (s NamedSharding) Spec() PartitionSpec { return s.spec }

// Assignment gives one device ownership of leading-axis rows [Lo, Hi).
type Assignment struct {
	Device Device
	Lo, Hi int
}

// Split places rows of the leading axis onto devices. Replicated shardings
// assign the full range to every device; sharded rows must divide evenly
// across the named axis.
func (s NamedSharding) Split(rows int) ([]Assignment, error) {
	if rows <= 0 {
		return nil, fmt.Errorf("mesh: cannot place %d rows", rows)
	}
	if len(s.spec) == 0 {
		out := make([]Assignment, 0, len(s.mesh.devices))
		for _, d := range s.mesh.devices {
			out = append(out, Assignment{Device: d, Lo: 0, Hi: rows})
		}
		return out, nil
	}
	if len(s.spec) > 1 {
		return nil, fmt.Errorf("mesh: only leading-axis sharding is supported, got spec %v", s.spec)
	}

	axis := -1
	for i, name := range s.mesh.Axes() {
		if name == s.spec[0] {
			axis = i
		}
	}
	if axis < 0 {
		return nil, fmt.Errorf("mesh: unknown axis %q", s.spec[0])
	}
	size := s.mesh.shape[axis]
	if rows%size != 0 {
		return nil, fmt.Errorf("mesh: %d rows do not divide across axis %q of size %d", rows, s.spec[0], size)
	}

	chunk := rows / size
	out := make([]Assignment, 0, len(s.mesh.devices))
	for _, d := range s.mesh.devices {
		lo := d.Coord[axis] * chunk
		out = append(out, Assignment{Device: d, Lo: lo, Hi: lo + chunk})
	}
	return out, nil
}
