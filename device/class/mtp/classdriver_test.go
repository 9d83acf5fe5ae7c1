package mtp

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luketanti/cyberfoil/device"
	"github.com/luketanti/cyberfoil/device/hal"
	"github.com/luketanti/cyberfoil/pkg"
)

// fakeHAL is the minimal hal.DeviceHAL double needed to drive a
// device.Stack in these tests, following device/stack_test.go's mockHAL.
type fakeHAL struct {
	mu        sync.Mutex
	readData  map[uint8][]byte
	writeData map[uint8][]byte
}

func newFakeHAL() *fakeHAL {
	return &fakeHAL{readData: map[uint8][]byte{}, writeData: map[uint8][]byte{}}
}

func (h *fakeHAL) Init(ctx context.Context) error                   { return nil }
func (h *fakeHAL) Start() error                                     { return nil }
func (h *fakeHAL) Stop() error                                      { return nil }
func (h *fakeHAL) SetAddress(address uint8) error                   { return nil }
func (h *fakeHAL) ConfigureEndpoints(eps []hal.EndpointConfig) error { return nil }

func (h *fakeHAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	<-ctx.Done()
	return ctx.Err()
}

func (h *fakeHAL) WriteEP0(ctx context.Context, data []byte) error      { return nil }
func (h *fakeHAL) ReadEP0(ctx context.Context, buf []byte) (int, error) { return 0, nil }
func (h *fakeHAL) StallEP0() error                                      { return nil }
func (h *fakeHAL) AckEP0() error                                        { return nil }

func (h *fakeHAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	h.mu.Lock()
	data := h.readData[address]
	h.mu.Unlock()
	if len(data) == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return copy(buf, data), nil
}

func (h *fakeHAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeData[address] = append([]byte{}, data...)
	return len(data), nil
}

func (h *fakeHAL) Stall(address uint8) error                { return nil }
func (h *fakeHAL) ClearStall(address uint8) error           { return nil }
func (h *fakeHAL) IsConnected() bool                        { return true }
func (h *fakeHAL) GetSpeed() hal.Speed                      { return hal.SpeedHigh }
func (h *fakeHAL) WaitConnect(ctx context.Context) error    { return nil }
func (h *fakeHAL) WaitDisconnect(ctx context.Context) error { return nil }

func (h *fakeHAL) setReadData(addr uint8, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readData[addr] = data
}

// newConfiguredStack builds a device.Stack with a still-image interface
// already configured, carrying bulk IN 0x81 and bulk OUT 0x02.
func newConfiguredStack(t *testing.T) (*device.Stack, *device.Interface, *fakeHAL) {
	t.Helper()
	dev := device.NewDevice(&device.DeviceDescriptor{MaxPacketSize0: 64})
	config := device.NewConfiguration(1)
	iface := device.NewInterface(&device.InterfaceDescriptor{InterfaceNumber: 0})
	iface.AddEndpoint(&device.Endpoint{Address: 0x81, Attributes: device.EndpointTypeBulk, MaxPacketSize: 64})
	iface.AddEndpoint(&device.Endpoint{Address: 0x02, Attributes: device.EndpointTypeBulk, MaxPacketSize: 64})
	config.AddInterface(iface)
	dev.AddConfiguration(config)
	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	h := newFakeHAL()
	stack := device.NewStack(dev, h)
	if err := stack.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { stack.Stop() })
	return stack, iface, h
}

func TestDriverInitFindsBulkEndpoints(t *testing.T) {
	_, iface, _ := newConfiguredStack(t)
	d := NewDriver(NewResponder(NewConfig(), NewProxy()))
	if err := d.Init(iface); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if d.bulkInEP == nil || d.bulkInEP.Address != 0x81 {
		t.Errorf("bulkInEP = %v, want address 0x81", d.bulkInEP)
	}
	if d.bulkOutEP == nil || d.bulkOutEP.Address != 0x02 {
		t.Errorf("bulkOutEP = %v, want address 0x02", d.bulkOutEP)
	}
}

func TestDriverInitRejectsInterfaceWithoutBulkEndpoints(t *testing.T) {
	iface := device.NewInterface(&device.InterfaceDescriptor{InterfaceNumber: 0})
	d := NewDriver(NewResponder(NewConfig(), NewProxy()))
	if err := d.Init(iface); err == nil {
		t.Fatal("Init on an interface with no endpoints should fail")
	}
}

func TestDriverBulkIOBeforeSetStackFails(t *testing.T) {
	_, iface, _ := newConfiguredStack(t)
	d := NewDriver(NewResponder(NewConfig(), NewProxy()))
	if err := d.Init(iface); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := d.ReadBulk(context.Background(), make([]byte, 8)); err != pkg.ErrNotConfigured {
		t.Errorf("ReadBulk err = %v, want %v", err, pkg.ErrNotConfigured)
	}
	if _, err := d.WriteBulk(context.Background(), []byte("x")); err != pkg.ErrNotConfigured {
		t.Errorf("WriteBulk err = %v, want %v", err, pkg.ErrNotConfigured)
	}
}

func TestDriverReadWriteBulkDelegateToStack(t *testing.T) {
	stack, iface, h := newConfiguredStack(t)
	h.setReadData(0x02, []byte("hello"))

	d := NewDriver(NewResponder(NewConfig(), NewProxy()))
	if err := d.Init(iface); err != nil {
		t.Fatalf("Init: %v", err)
	}
	d.SetStack(stack)

	buf := make([]byte, 64)
	n, err := d.ReadBulk(context.Background(), buf)
	if err != nil {
		t.Fatalf("ReadBulk: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("ReadBulk = %q, want %q", buf[:n], "hello")
	}

	if _, err := d.WriteBulk(context.Background(), []byte("world")); err != nil {
		t.Fatalf("WriteBulk: %v", err)
	}
	h.mu.Lock()
	written := h.writeData[0x81]
	h.mu.Unlock()
	if !bytes.Equal(written, []byte("world")) {
		t.Errorf("written = %q, want %q", written, "world")
	}
}

func TestDriverRunServesUntilContextCancelled(t *testing.T) {
	stack, iface, _ := newConfiguredStack(t)
	d := NewDriver(NewResponder(NewConfig(), NewProxy()))
	if err := d.Init(iface); err != nil {
		t.Fatalf("Init: %v", err)
	}
	d.SetStack(stack)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDriverCloseClearsState(t *testing.T) {
	_, iface, _ := newConfiguredStack(t)
	d := NewDriver(NewResponder(NewConfig(), NewProxy()))
	if err := d.Init(iface); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.ReadBulk(context.Background(), make([]byte, 8)); err != pkg.ErrNotConfigured {
		t.Errorf("ReadBulk after Close err = %v, want %v", err, pkg.ErrNotConfigured)
	}
}
