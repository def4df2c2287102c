package opt300x

import (
	"fmt"
	"math"
	"strings"
)

// Raw is a result or limit register value: a 4 bit exponent over a 12 bit mantissa.
type Raw uint16

// NewRaw packs an exponent and mantissa into a register value.
// Returns ErrInvalidInputData for an exponent above 11 or a mantissa above 4095.
func NewRaw(exponent uint8, mantissa uint16) (Raw, error) {
	if exponent > MAX_EXPONENT || mantissa > MAX_MANTISSA {
		return 0, ErrInvalidInputData
	}
	return Raw(uint16(exponent)<<exponentShift | mantissa), nil
}

func (r Raw) Exponent() uint8  { return uint8(uint16(r) >> exponentShift) }
func (r Raw) Mantissa() uint16 { return uint16(r) & mantissaMask }

// Lux decodes the register value with the 0.01 lux LSB of the OPT3001.
func (r Raw) Lux() float64 { return DecodeLux(uint16(r)) }

func (r Raw) String() string {
	return fmt.Sprintf("0x%04X (e=%d, m=%d)", uint16(r), r.Exponent(), r.Mantissa())
}

// counts returns mantissa * 2^exponent, with exponents the device never
// produces (12-15) clamped to 11 so the result stays inside the full scale.
func counts(raw uint16) uint64 {
	e := raw >> exponentShift
	if e > uint16(MAX_EXPONENT) {
		e = uint16(MAX_EXPONENT)
	}
	return uint64(raw&mantissaMask) << e
}

// DecodeLux converts a raw result register into lux: 0.01 * 2^exponent * mantissa.
// Every input is valid; the result is always in [0, 83865.6].
func DecodeLux(raw uint16) float64 {
	return float64(counts(raw)) / 100
}

// EncodeLimit converts lux into the raw limit register representation.
//
// Inputs are clamped to [0, 83865.6] (NaN encodes as 0). The smallest exponent
// whose rounded mantissa fits into 12 bits is used, so resolution is maximised.
func EncodeLimit(lux float64) uint16 {
	return encodeScaled(lux, 1)
}

// encodeScaled encodes value, expressed in units of lsbCenti/100, into the
// exponent/mantissa form.
func encodeScaled(value float64, lsbCenti uint64) uint16 {
	full := float64(uint64(MAX_MANTISSA)<<MAX_EXPONENT*lsbCenti) / 100
	switch {
	case math.IsNaN(value) || value <= 0:
		return 0
	case value > full:
		value = full
	}

	lsb := float64(lsbCenti) / 100
	for e := uint8(0); e <= MAX_EXPONENT; e++ {
		m := math.Round(value / (lsb * float64(uint64(1)<<e)))
		if m > float64(MAX_MANTISSA) {
			if e < MAX_EXPONENT {
				continue
			}
			m = float64(MAX_MANTISSA)
		}
		return uint16(e)<<exponentShift | uint16(m)
	}
	// unreachable, the last exponent always returns
	return uint16(MAX_EXPONENT)<<exponentShift | MAX_MANTISSA
}

// Mode of conversion
type Mode uint8

const (
	ModeShutdown   Mode = 0b00
	ModeSingleShot Mode = 0b01
	ModeContinuous Mode = 0b11
)

func (m Mode) String() string {
	switch m {
	case ModeShutdown:
		return "shutdown"
	case ModeSingleShot:
		return "single-shot"
	case ModeContinuous:
		return "continuous"
	default:
		return "Unknown"
	}
}

// ConversionTime is the integration time of a single conversion.
type ConversionTime uint8

const (
	ConversionTime100ms ConversionTime = 0
	ConversionTime800ms ConversionTime = 1
)

func (c ConversionTime) String() string {
	switch c {
	case ConversionTime100ms:
		return "100ms"
	case ConversionTime800ms:
		return "800ms"
	default:
		return "Unknown"
	}
}

// ParseConversionTime accepts "100ms" or "800ms".
func ParseConversionTime(s string) (ConversionTime, error) {
	for _, ct := range []ConversionTime{ConversionTime100ms, ConversionTime800ms} {
		if strings.EqualFold(s, ct.String()) {
			return ct, nil
		}
	}
	return 0, fmt.Errorf("%w: conversion time %q, want 100ms or 800ms", ErrInvalidInputData, s)
}

// FaultCount is the number of consecutive out-of-limit conversions needed
// before the interrupt flags are raised.
type FaultCount uint8

const (
	FaultCountOne   FaultCount = 0b00
	FaultCountTwo   FaultCount = 0b01
	FaultCountFour  FaultCount = 0b10
	FaultCountEight FaultCount = 0b11
)

// Count returns the number of faults, 1, 2, 4 or 8.
func (f FaultCount) Count() int {
	return 1 << f
}

func (f FaultCount) String() string {
	if f > FaultCountEight {
		return "Unknown"
	}
	return fmt.Sprintf("%d faults", f.Count())
}

// ParseFaultCount maps 1, 2, 4 or 8 onto a FaultCount.
func ParseFaultCount(n int) (FaultCount, error) {
	switch n {
	case 1:
		return FaultCountOne, nil
	case 2:
		return FaultCountTwo, nil
	case 4:
		return FaultCountFour, nil
	case 8:
		return FaultCountEight, nil
	}
	return 0, fmt.Errorf("%w: fault count %d", ErrInvalidInputData, n)
}

// Polarity of the INT pin
type Polarity uint8

const (
	PolarityActiveLow  Polarity = 0
	PolarityActiveHigh Polarity = 1
)

func (p Polarity) String() string {
	switch p {
	case PolarityActiveLow:
		return "active-low"
	case PolarityActiveHigh:
		return "active-high"
	default:
		return "Unknown"
	}
}

// ParsePolarity accepts "active-low" or "active-high".
func ParsePolarity(s string) (Polarity, error) {
	for _, p := range []Polarity{PolarityActiveLow, PolarityActiveHigh} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: polarity %q, want active-low or active-high", ErrInvalidInputData, s)
}

// ComparisonMode selects how the result is compared against the limits.
// It is the latch (L) bit of the configuration register.
type ComparisonMode uint8

const (
	// Flags follow the result with hysteresis between the limits.
	TransparentHysteresis ComparisonMode = 0
	// Flags stay set until the configuration register is read.
	LatchedWindow ComparisonMode = 1
)

func (c ComparisonMode) String() string {
	switch c {
	case TransparentHysteresis:
		return "transparent-hysteresis"
	case LatchedWindow:
		return "latched-window"
	default:
		return "Unknown"
	}
}

// ParseComparisonMode accepts "latched-window" or "transparent-hysteresis".
func ParseComparisonMode(s string) (ComparisonMode, error) {
	for _, m := range []ComparisonMode{TransparentHysteresis, LatchedWindow} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: comparison mode %q, want latched-window or transparent-hysteresis", ErrInvalidInputData, s)
}

// LuxRange is the full-scale range setting. Values 0-11 select a fixed
// full scale of 40.95 * 2^n lux, LuxRangeAuto lets the device choose.
type LuxRange uint8

const LuxRangeAuto LuxRange = 0b1100

// ManualLuxRange returns the fixed full-scale range n.
// Returns ErrInvalidInputData for n above 11.
func ManualLuxRange(n uint8) (LuxRange, error) {
	if n > MAX_EXPONENT {
		return 0, ErrInvalidInputData
	}
	return LuxRange(n), nil
}

func (r LuxRange) IsAuto() bool { return r == LuxRangeAuto }

func (r LuxRange) String() string {
	switch {
	case r == LuxRangeAuto:
		return "auto"
	case r <= LuxRange(MAX_EXPONENT):
		return fmt.Sprintf("%.2f lux", DecodeLux(uint16(r)<<exponentShift|MAX_MANTISSA))
	default:
		return "Unknown"
	}
}

// ConfigFields is the decoded configuration register.
type ConfigFields struct {
	Range           LuxRange
	ConversionTime  ConversionTime
	Mode            Mode
	Overflow        bool
	ConversionReady bool
	FlagHigh        bool
	FlagLow         bool
	ComparisonMode  ComparisonMode
	Polarity        Polarity
	ExponentMask    bool
	FaultCount      FaultCount
}

// Status returns the conversion status flags of the register.
func (c ConfigFields) Status() Status {
	return Status{
		Overflow:        c.Overflow,
		ConversionReady: c.ConversionReady,
		TooHigh:         c.FlagHigh,
		TooLow:          c.FlagLow,
	}
}

// DecodeConfig splits a configuration register into its fields.
// Reserved range values (13-15) decode as automatic, mode 0b10 as continuous.
func DecodeConfig(raw uint16) ConfigFields {
	rn := LuxRange((raw >> rangeShift) & rangeMask)
	if rn > LuxRangeAuto {
		rn = LuxRangeAuto
	}
	mode := Mode((raw >> modeShift) & modeMask)
	if mode == 0b10 {
		mode = ModeContinuous
	}
	return ConfigFields{
		Range:           rn,
		ConversionTime:  ConversionTime(boolBit(raw, OPT300X_CONFIG_CT)),
		Mode:            mode,
		Overflow:        raw&OPT300X_CONFIG_OVF != 0,
		ConversionReady: raw&OPT300X_CONFIG_CRF != 0,
		FlagHigh:        raw&OPT300X_CONFIG_FH != 0,
		FlagLow:         raw&OPT300X_CONFIG_FL != 0,
		ComparisonMode:  ComparisonMode(boolBit(raw, OPT300X_CONFIG_L)),
		Polarity:        Polarity(boolBit(raw, OPT300X_CONFIG_POL)),
		ExponentMask:    raw&OPT300X_CONFIG_ME != 0,
		FaultCount:      FaultCount(raw & faultCountMask),
	}
}

// EncodeConfig packs the fields into a configuration register value.
// Returns ErrInvalidInputData if any field is outside its enumeration.
func EncodeConfig(c ConfigFields) (uint16, error) {
	switch {
	case c.Range > LuxRangeAuto:
		return 0, fmt.Errorf("%w: lux range %d", ErrInvalidInputData, c.Range)
	case c.ConversionTime > ConversionTime800ms:
		return 0, fmt.Errorf("%w: conversion time %d", ErrInvalidInputData, c.ConversionTime)
	case c.Mode != ModeShutdown && c.Mode != ModeSingleShot && c.Mode != ModeContinuous:
		return 0, fmt.Errorf("%w: mode %d", ErrInvalidInputData, c.Mode)
	case c.ComparisonMode > LatchedWindow:
		return 0, fmt.Errorf("%w: comparison mode %d", ErrInvalidInputData, c.ComparisonMode)
	case c.Polarity > PolarityActiveHigh:
		return 0, fmt.Errorf("%w: polarity %d", ErrInvalidInputData, c.Polarity)
	case c.FaultCount > FaultCountEight:
		return 0, fmt.Errorf("%w: fault count %d", ErrInvalidInputData, c.FaultCount)
	}

	raw := uint16(c.Range)<<rangeShift |
		uint16(c.Mode)<<modeShift |
		uint16(c.FaultCount)
	raw = withBit(raw, OPT300X_CONFIG_CT, c.ConversionTime == ConversionTime800ms)
	raw = withBit(raw, OPT300X_CONFIG_OVF, c.Overflow)
	raw = withBit(raw, OPT300X_CONFIG_CRF, c.ConversionReady)
	raw = withBit(raw, OPT300X_CONFIG_FH, c.FlagHigh)
	raw = withBit(raw, OPT300X_CONFIG_FL, c.FlagLow)
	raw = withBit(raw, OPT300X_CONFIG_L, c.ComparisonMode == LatchedWindow)
	raw = withBit(raw, OPT300X_CONFIG_POL, c.Polarity == PolarityActiveHigh)
	raw = withBit(raw, OPT300X_CONFIG_ME, c.ExponentMask)
	return raw, nil
}

func boolBit(raw, flag uint16) uint8 {
	if raw&flag != 0 {
		return 1
	}
	return 0
}

func withBit(raw, flag uint16, set bool) uint16 {
	if set {
		return raw | flag
	}
	return raw &^ flag
}
