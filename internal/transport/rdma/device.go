package rdma

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DeviceContext is an opened device plus the protection domain that
// authorizes every registration and queue pair created from it.
//
// It is reference counted: the opener holds one reference, every dependent
// Retains its own, and the last Release deallocates the PD and closes the
// device. Everything else about it is read-only after construction.
type DeviceContext struct {
	backend  VerbsBackend
	info     VerbsDeviceInfo
	ctx      VerbsContext
	pd       VerbsPD
	portAttr VerbsPortAttr
	port     int
	gidIndex int
	gid      [16]byte
	refs     atomic.Int32
}

// OpenDeviceContext opens the named device (the first one when name is
// empty), allocates a protection domain and reads the port addressing.
// Partially created resources are torn down on failure.
func OpenDeviceContext(backend VerbsBackend, name string, port, gidIndex int) (*DeviceContext, error) {
	devices, err := backend.GetDeviceList()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDevice, err)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDevice, ErrDeviceNotFound)
	}

	info := devices[0]

	if name != "" {
		found := false

		for _, d := range devices {
			if d.Name == name {
				info, found = d, true
				break
			}
		}

		if !found {
			return nil, fmt.Errorf("%w: %w: %s", ErrDevice, ErrDeviceNotFound, name)
		}
	}

	ctx, err := backend.OpenDevice(info.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDevice, info.Name, err)
	}

	d := &DeviceContext{
		backend:  backend,
		info:     info,
		ctx:      ctx,
		port:     port,
		gidIndex: gidIndex,
	}

	if d.portAttr, err = backend.QueryPort(ctx, port); err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("%w: query port %d: %v", ErrDevice, port, err)
	}

	if d.gid, err = backend.QueryGID(ctx, port, gidIndex); err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("%w: query gid %d: %v", ErrDevice, gidIndex, err)
	}

	if d.pd, err = backend.AllocPD(ctx); err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	d.refs.Store(1)

	return d, nil
}

// Retain adds a reference and returns d for chaining.
func (d *DeviceContext) Retain() *DeviceContext {
	if d.refs.Add(1) <= 1 {
		panic("rdma: retain of released device context")
	}

	return d
}

// Release drops a reference; the last one frees the PD and closes the device.
func (d *DeviceContext) Release() error {
	n := d.refs.Add(-1)
	if n < 0 {
		panic("rdma: device context released more times than retained")
	}

	if n > 0 {
		return nil
	}

	return errors.Join(
		d.backend.DeallocPD(d.pd),
		d.backend.CloseDevice(d.ctx),
	)
}

// Backend returns the verbs backend the device was opened on.
func (d *DeviceContext) Backend() VerbsBackend { return d.backend }

// Info returns the device description.
func (d *DeviceContext) Info() VerbsDeviceInfo { return d.info }

// Port returns the physical port in use.
func (d *DeviceContext) Port() int { return d.port }

// GIDIndex returns the source GID table index.
func (d *DeviceContext) GIDIndex() int { return d.gidIndex }

// PortAttr returns the attributes read when the context was opened.
func (d *DeviceContext) PortAttr() VerbsPortAttr { return d.portAttr }

// GID returns the port GID at GIDIndex.
func (d *DeviceContext) GID() [16]byte { return d.gid }
