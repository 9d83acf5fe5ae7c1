package mtp

import (
	"context"
	"sync"

	"github.com/luketanti/cyberfoil/device"
	"github.com/luketanti/cyberfoil/pkg"
)

// Driver is the device.ClassDriver binding a Responder to a pair of bulk
// endpoints. It also implements BulkPipe itself: ReadBulk/WriteBulk
// delegate to device.Stack.Read/Write on the endpoints discovered during
// Init, the adapter codec.go's doc comment anticipates.
type Driver struct {
	responder *Responder

	iface     *device.Interface
	bulkInEP  *device.Endpoint // device to host
	bulkOutEP *device.Endpoint // host to device
	stack     *device.Stack

	mu         sync.RWMutex
	configured bool
}

// NewDriver returns a Driver serving responder's transactions.
func NewDriver(responder *Responder) *Driver {
	return &Driver{responder: responder}
}

// SetStack sets the device stack reference used for bulk I/O.
func (d *Driver) SetStack(stack *device.Stack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = stack
}

// Init locates the still-image interface's bulk endpoints.
func (d *Driver) Init(iface *device.Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.iface = iface
	for _, ep := range iface.Endpoints() {
		if !ep.IsBulk() {
			continue
		}
		if ep.IsIn() {
			d.bulkInEP = ep
		} else {
			d.bulkOutEP = ep
		}
	}
	if d.bulkInEP == nil || d.bulkOutEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	d.configured = true
	pkg.LogDebug(pkg.ComponentDevice, "MTP configured",
		"bulkIn", d.bulkInEP.Address,
		"bulkOut", d.bulkOutEP.Address)
	return nil
}

// HandleSetup handles class-specific SETUP requests. The still-image class
// defines none that this responder needs to act on.
func (d *Driver) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, error) {
	return false, nil
}

// SetAlternate handles alternate setting changes; the still-image
// interface has a single alternate setting.
func (d *Driver) SetAlternate(iface *device.Interface, alt uint8) error {
	return nil
}

// Close releases resources held by the driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.iface = nil
	d.bulkInEP = nil
	d.bulkOutEP = nil
	d.stack = nil
	d.configured = false
	return nil
}

// ConfigureDevice adds the still-image interface to a device builder.
func (d *Driver) ConfigureDevice(builder *device.DeviceBuilder, bulkInEPAddr, bulkOutEPAddr uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassStillImage, SubclassPTP, ProtocolBulkOnly)
	builder.AddEndpoint(bulkInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64)
	builder.AddEndpoint(bulkOutEPAddr&0x0F, device.EndpointTypeBulk, 64)
	return builder
}

// AttachToInterface attaches this driver to the still-image interface.
func (d *Driver) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}
	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}
	return iface.SetClassDriver(d)
}

// ReadBulk implements BulkPipe over the bulk OUT endpoint.
func (d *Driver) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	d.mu.RLock()
	stack, ep, ok := d.stack, d.bulkOutEP, d.configured
	d.mu.RUnlock()
	if !ok || stack == nil || ep == nil {
		return 0, pkg.ErrNotConfigured
	}
	return stack.Read(ctx, ep, buf)
}

// WriteBulk implements BulkPipe over the bulk IN endpoint.
func (d *Driver) WriteBulk(ctx context.Context, data []byte) (int, error) {
	d.mu.RLock()
	stack, ep, ok := d.stack, d.bulkInEP, d.configured
	d.mu.RUnlock()
	if !ok || stack == nil || ep == nil {
		return 0, pkg.ErrNotConfigured
	}
	return stack.Write(ctx, ep, data)
}

// Run serves MTP transactions until ctx is cancelled or the responder
// reports an unrecoverable transport error. It should be called in a
// goroutine after the device is configured and connected.
func (d *Driver) Run(ctx context.Context) error {
	return d.responder.Serve(ctx, d)
}

var (
	_ device.ClassDriver = (*Driver)(nil)
	_ BulkPipe           = (*Driver)(nil)
)

