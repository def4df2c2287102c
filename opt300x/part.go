package opt300x

import (
	"fmt"
	"strings"
)

// Part describes one member of the OPT300x family. The parts share the
// register map and differ only in the weight of one result count and in
// whether the address is selectable.
type Part struct {
	Name string
	Unit string

	lsbCenti  uint64 // weight of one count, in hundredths of Unit
	fixedAddr uint16 // zero when the part has an ADDR pin
}

var (
	OPT3001 = Part{Name: "OPT3001", Unit: "lux", lsbCenti: 1}
	OPT3002 = Part{Name: "OPT3002", Unit: "nW/cm2", lsbCenti: 120} // optical power, 1.2 nW/cm2 per count
	OPT3004 = Part{Name: "OPT3004", Unit: "lux", lsbCenti: 1}
	OPT3006 = Part{Name: "OPT3006", Unit: "lux", lsbCenti: 1}
	OPT3007 = Part{Name: "OPT3007", Unit: "lux", lsbCenti: 1, fixedAddr: OPT300X_OPT3007_ADDR}
)

// Parts lists every supported part.
var Parts = []Part{OPT3001, OPT3002, OPT3004, OPT3006, OPT3007}

// ParsePart looks a part up by name, case-insensitively ("opt3001", "OPT3007").
func ParsePart(name string) (Part, error) {
	for _, p := range Parts {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return p, nil
		}
	}
	return Part{}, fmt.Errorf("unknown OPT300x part %q", name)
}

func (p Part) lsb() uint64 {
	if p.lsbCenti == 0 {
		return 1
	}
	return p.lsbCenti
}

// Decode converts a raw result or limit register value into the part's unit.
func (p Part) Decode(raw uint16) float64 {
	return float64(counts(raw)*p.lsb()) / 100
}

// Encode converts a value in the part's unit into a limit register value,
// clamping to [0, FullScale()].
func (p Part) Encode(value float64) uint16 {
	return encodeScaled(value, p.lsb())
}

// FullScale is the largest value the part can report.
func (p Part) FullScale() float64 {
	return p.Decode(uint16(MAX_EXPONENT)<<exponentShift | MAX_MANTISSA)
}

// HasFixedAddress reports whether the part ignores SlaveAddr.
func (p Part) HasFixedAddress() bool { return p.fixedAddr != 0 }

func (p Part) String() string { return p.Name }

// SlaveAddr selects the I2C address through the ADDR pin wiring.
// The zero value is the default address 0x44.
type SlaveAddr struct {
	A1 bool
	A0 bool
}

// Addr returns the 7 bit I2C address.
func (a SlaveAddr) Addr() uint16 {
	addr := OPT300X_ADDR
	if a.A1 {
		addr |= 0b10
	}
	if a.A0 {
		addr |= 0b01
	}
	return addr
}

// SlaveAddrFrom maps a 7 bit address in 0x44-0x47 back to its pin setting.
func SlaveAddrFrom(addr uint16) (SlaveAddr, error) {
	if addr&^0b11 != OPT300X_ADDR {
		return SlaveAddr{}, fmt.Errorf("%w: address 0x%02X", ErrInvalidInputData, addr)
	}
	return SlaveAddr{A1: addr&0b10 != 0, A0: addr&0b01 != 0}, nil
}
