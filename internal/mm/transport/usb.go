//go:build !mips && !mipsle
// +build !mips,!mipsle

package transport

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// USBVendorID, USBProductID, and the bulk endpoint numbers identify the
// AUC bridge: a fixed VID/PID and a single bulk OUT/IN pair. Override here
// when a bridge enumerates under different IDs.
const (
	USBVendorID  = 0x4254
	USBProductID = 0x4153

	EndpointOut = 0x01
	EndpointIn  = 0x81
)

// usbEndpoint adapts gousb's OutEndpoint/InEndpoint pair to the rawEndpoint
// interface BridgeSession depends on.
type usbEndpoint struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

// OpenUSBBridge opens the AUC bridge over USB and runs its RESET/DEINIT/
// INIT bring-up sequence. The claim chain is context, device, config,
// interface, then both bulk endpoints, each step unwinding the ones before
// it on failure.
func OpenUSBBridge(ctx context.Context, speed, xdelay uint32) (*BridgeSession, error) {
	gctx := gousb.NewContext()

	dev, err := gctx.OpenDeviceWithVIDPID(USBVendorID, USBProductID)
	if err != nil {
		gctx.Close()
		return nil, fmt.Errorf("transport: open AUC bridge: %w", err)
	}
	if dev == nil {
		gctx.Close()
		return nil, fmt.Errorf("transport: AUC bridge not found (VID:0x%04x PID:0x%04x)", USBVendorID, USBProductID)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		gctx.Close()
		return nil, fmt.Errorf("transport: set AUC bridge config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		gctx.Close()
		return nil, fmt.Errorf("transport: claim AUC bridge interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(EndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return nil, fmt.Errorf("transport: open AUC bridge OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(EndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		gctx.Close()
		return nil, fmt.Errorf("transport: open AUC bridge IN endpoint: %w", err)
	}

	ep := &usbEndpoint{ctx: gctx, dev: dev, cfg: cfg, intf: intf, epOut: epOut, epIn: epIn}
	return NewBridgeSession(ctx, ep, speed, xdelay)
}

func (e *usbEndpoint) Write(ctx context.Context, p []byte) (int, error) {
	return e.epOut.Write(p)
}

func (e *usbEndpoint) Read(ctx context.Context, p []byte) (int, error) {
	return e.epIn.ReadContext(ctx, p)
}

// Close releases the USB claim chain in reverse acquisition order.
func (e *usbEndpoint) Close() error {
	e.intf.Close()
	e.cfg.Close()
	e.dev.Close()
	return e.ctx.Close()
}
