package opt300x

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/io/i2c"
	"tinygo.org/x/drivers"
)

// i2c-1 is the default I2C bus for the Raspberry Pi
const DefaultBusPath = "/dev/i2c-1"

var _ drivers.I2C = (*Devfs)(nil)

// Devfs is a Linux /dev/i2c-N bus. Devices are opened on first use of
// their address and kept open until Close.
type Devfs struct {
	Dev string

	mu      sync.Mutex
	devices map[uint16]*i2c.Device
}

// OpenDevfs returns the bus at path, DefaultBusPath when empty.
func OpenDevfs(path string) *Devfs {
	if path == "" {
		path = DefaultBusPath
	}
	return &Devfs{Dev: path, devices: make(map[uint16]*i2c.Device)}
}

// Tx performs a register write (r empty) or a register read (w holds only
// the register address).
func (b *Devfs) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 {
		return errors.New("opt300x: missing register address")
	}
	dev, err := b.device(addr)
	if err != nil {
		return err
	}
	switch {
	case len(r) == 0:
		return dev.WriteReg(w[0], w[1:])
	case len(w) == 1:
		return dev.ReadReg(w[0], r)
	default:
		return fmt.Errorf("opt300x: unsupported transfer, %d bytes out and %d in", len(w), len(r))
	}
}

func (b *Devfs) device(addr uint16) (*i2c.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.devices == nil {
		b.devices = make(map[uint16]*i2c.Device)
	}
	if dev, ok := b.devices[addr]; ok {
		return dev, nil
	}
	dev, err := i2c.Open(&i2c.Devfs{Dev: b.Dev}, int(addr))
	if err != nil {
		return nil, fmt.Errorf("Failed to open %s at 0x%02X: %w", b.Dev, addr, err)
	}
	b.devices[addr] = dev
	return dev, nil
}

// Close closes every device opened on the bus.
func (b *Devfs) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for addr, dev := range b.devices {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.devices, addr)
	}
	return errors.Join(errs...)
}
