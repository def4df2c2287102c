package opt300x

/*
 * opt300x - Package for interacting with OPT3001/3002/3004/3006/3007 ambient light sensors.
 *
 * Ref:
 * https://www.ti.com/lit/ds/symlink/opt3001.pdf
 * https://www.ti.com/lit/an/sbea002a/sbea002a.pdf
 *
 */

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

var l *logrus.Logger

func init() {
	l = logrus.New()
	l.Formatter = &logrus.JSONFormatter{}
	l.SetOutput(os.Stdout)
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
}

// SetLogger replaces the package logger.
func SetLogger(logger *logrus.Logger) {
	if logger != nil {
		l = logger
	}
}

var (
	// ErrWouldBlock is returned by a one-shot read while the conversion is in progress.
	ErrWouldBlock = errors.New("opt300x: conversion in progress")
	// ErrInvalidInputData is returned for raw values outside the register ranges.
	ErrInvalidInputData = errors.New("opt300x: invalid input data")
	// ErrHandleReleased is returned by a handle after a mode change, Shutdown or Destroy.
	ErrHandleReleased = errors.New("opt300x: handle released")
)

const DefaultPollInterval = 50 * time.Millisecond

// Status holds the conversion flags of the configuration register.
type Status struct {
	Overflow        bool `json:"overflow"`
	ConversionReady bool `json:"conversionReady"`
	TooHigh         bool `json:"tooHigh"`
	TooLow          bool `json:"tooLow"`
}

// Measurement is a completed one-shot conversion.
type Measurement struct {
	Value  float64 // in the unit of the part, lux except for the OPT3002
	Raw    Raw
	Status Status
}

// Identity is the content of the ID registers.
type Identity struct {
	ManufacturerID uint16 `json:"manufacturerID"`
	DeviceID       uint16 `json:"deviceID"`
}

// IsGenuine reports whether the IDs match a Texas Instruments OPT300x.
func (id Identity) IsGenuine() bool {
	return id.ManufacturerID == OPT300X_MANUFACTURER_TI && id.DeviceID == OPT300X_DEVICE_ID
}

// ContinuousReader is implemented only by handles in continuous mode.
type ContinuousReader interface {
	ReadLux() (float64, error)
	ReadRaw() (Raw, error)
}

// OneShotReader is implemented only by handles in one-shot mode.
type OneShotReader interface {
	ReadLux() (Measurement, error)
	ReadRaw() (Raw, Status, error)
	Measure(ctx context.Context, poll time.Duration) (Measurement, error)
}

// device is the state shared by every mode handle. It owns the bus until
// released; the configuration is a shadow of the writable register bits.
type device struct {
	bus      drivers.I2C
	part     Part
	address  uint16
	config   uint16
	lowLimit uint16
	// a one-shot conversion was triggered and its result not read yet
	conversionStarted bool
}

// OneShot is a sensor handle in one-shot mode. The device is shut down
// between conversions.
type OneShot struct {
	*device
}

// Continuous is a sensor handle in continuous conversion mode.
type Continuous struct {
	*device
}

func newOneShot(bus drivers.I2C, part Part, addr uint16) *OneShot {
	return &OneShot{device: &device{
		bus:     bus,
		part:    part,
		address: addr,
		config:  OPT300X_CONFIG_DEFAULT,
	}}
}

// New creates a handle for any part. Parts with a fixed address ignore addr.
func New(bus drivers.I2C, part Part, addr SlaveAddr) *OneShot {
	if part.HasFixedAddress() {
		return newOneShot(bus, part, part.fixedAddr)
	}
	return newOneShot(bus, part, addr.Addr())
}

// Create new instance of the OPT3001 device. No bus traffic happens until the first call.
func NewOPT3001(bus drivers.I2C, addr SlaveAddr) *OneShot { return New(bus, OPT3001, addr) }

// Create new instance of the OPT3002 device.
func NewOPT3002(bus drivers.I2C, addr SlaveAddr) *OneShot { return New(bus, OPT3002, addr) }

// Create new instance of the OPT3004 device.
func NewOPT3004(bus drivers.I2C, addr SlaveAddr) *OneShot { return New(bus, OPT3004, addr) }

// Create new instance of the OPT3006 device.
func NewOPT3006(bus drivers.I2C, addr SlaveAddr) *OneShot { return New(bus, OPT3006, addr) }

// Create new instance of the OPT3007 device, which only answers on 0x45.
func NewOPT3007(bus drivers.I2C) *OneShot { return New(bus, OPT3007, SlaveAddr{}) }

// IntoContinuous changes into continuous measurement mode.
// On failure the receiver stays in one-shot mode and remains usable.
func (s *OneShot) IntoContinuous() (*Continuous, error) {
	if err := s.update(func(f *ConfigFields) { f.Mode = ModeContinuous }); err != nil {
		return nil, err
	}
	l.Debugf("OPT300x 0x%02X: continuous mode", s.address)
	return &Continuous{device: s.release()}, nil
}

// IntoOneShot changes into one-shot mode. This shuts the device down until
// a measurement is requested.
func (c *Continuous) IntoOneShot() (*OneShot, error) {
	if err := c.update(func(f *ConfigFields) { f.Mode = ModeShutdown }); err != nil {
		return nil, err
	}
	l.Debugf("OPT300x 0x%02X: one-shot mode", c.address)
	return &OneShot{device: c.release()}, nil
}

// ReadLux reads the result of the most recent conversion.
func (c *Continuous) ReadLux() (float64, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return 0, err
	}
	return c.part.Decode(uint16(raw)), nil
}

// ReadRaw reads the most recent result register.
func (c *Continuous) ReadRaw() (Raw, error) {
	result, err := c.readRegister(OPT300X_REGISTER_RESULT)
	return Raw(result), err
}

// ReadLux performs a one-shot measurement without blocking.
//
// The first call starts a conversion and returns ErrWouldBlock. Later calls
// return ErrWouldBlock until the conversion ready flag is set, then the result.
func (s *OneShot) ReadLux() (Measurement, error) {
	raw, status, err := s.ReadRaw()
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Value: s.part.Decode(uint16(raw)), Raw: raw, Status: status}, nil
}

// ReadRaw is ReadLux without the conversion to lux.
func (s *OneShot) ReadRaw() (Raw, Status, error) {
	if err := s.live(); err != nil {
		return 0, Status{}, err
	}
	if !s.conversionStarted {
		if err := s.writeRegister(OPT300X_REGISTER_CONFIG, s.config|OPT300X_CONFIG_MODE0); err != nil {
			return 0, Status{}, err
		}
		s.conversionStarted = true
		return 0, Status{}, ErrWouldBlock
	}

	status, err := s.ReadStatus()
	if err != nil {
		return 0, Status{}, err
	}
	if !status.ConversionReady {
		return 0, Status{}, ErrWouldBlock
	}
	result, err := s.readRegister(OPT300X_REGISTER_RESULT)
	if err != nil {
		return 0, Status{}, err
	}
	s.conversionStarted = false
	return Raw(result), status, nil
}

// Measure runs a one-shot conversion to completion, polling the status every
// poll interval. The conversion stays pending if ctx ends first; the next
// read picks it up. A configuration change in between aborts it, and the
// next read starts a new one.
func (s *OneShot) Measure(ctx context.Context, poll time.Duration) (Measurement, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		m, err := s.ReadLux()
		if !errors.Is(err, ErrWouldBlock) {
			return m, err
		}
		select {
		case <-ctx.Done():
			return Measurement{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Part returns the sensor variant.
func (d *device) Part() Part { return d.part }

// Address returns the 7 bit I2C address of the sensor.
func (d *device) Address() uint16 { return d.address }

// Config returns the configuration last written to the device.
func (d *device) Config() ConfigFields { return DecodeConfig(d.config) }

// Destroy releases the handle and returns the bus.
func (d *device) Destroy() drivers.I2C {
	bus := d.bus
	d.release()
	return bus
}

// Shutdown puts the device into shutdown mode, releases the handle and returns the bus.
// On failure the handle remains usable.
func (d *device) Shutdown() (drivers.I2C, error) {
	if err := d.update(func(f *ConfigFields) { f.Mode = ModeShutdown }); err != nil {
		return nil, err
	}
	return d.Destroy(), nil
}

// ReadStatus reads the conversion status flags.
//
// Note that reading clears the conversion ready flag, and the limit flags
// in latched window mode.
func (d *device) ReadStatus() (Status, error) {
	config, err := d.readRegister(OPT300X_REGISTER_CONFIG)
	if err != nil {
		return Status{}, err
	}
	return DecodeConfig(config).Status(), nil
}

// Sync reloads the configuration shadow from the device, keeping the mode
// of this handle.
func (d *device) Sync() error {
	config, err := d.readRegister(OPT300X_REGISTER_CONFIG)
	if err != nil {
		return err
	}
	f := DecodeConfig(config)
	f.Mode = DecodeConfig(d.config).Mode
	f.Overflow, f.ConversionReady, f.FlagHigh, f.FlagLow = false, false, false, false
	raw, err := EncodeConfig(f)
	if err != nil {
		return err
	}
	d.config = raw
	return nil
}

// SetFaultCount sets how many consecutive faults raise the flags.
func (d *device) SetFaultCount(count FaultCount) error {
	return d.update(func(f *ConfigFields) { f.FaultCount = count })
}

// SetLuxRange sets the full-scale range. Returns ErrInvalidInputData for
// manual values above 11.
func (d *device) SetLuxRange(r LuxRange) error {
	if r > LuxRange(MAX_EXPONENT) && r != LuxRangeAuto {
		return ErrInvalidInputData
	}
	return d.update(func(f *ConfigFields) { f.Range = r })
}

// SetConversionTime sets the integration time.
func (d *device) SetConversionTime(t ConversionTime) error {
	return d.update(func(f *ConfigFields) { f.ConversionTime = t })
}

// SetInterruptPolarity sets the INT pin polarity.
func (d *device) SetInterruptPolarity(p Polarity) error {
	return d.update(func(f *ConfigFields) { f.Polarity = p })
}

// SetComparisonMode sets the result comparison mode for interrupt reporting.
func (d *device) SetComparisonMode(mode ComparisonMode) error {
	return d.update(func(f *ConfigFields) { f.ComparisonMode = mode })
}

// SetLatch enables or disables latching of the limit flags. Latched is LatchedWindow.
func (d *device) SetLatch(latched bool) error {
	if latched {
		return d.SetComparisonMode(LatchedWindow)
	}
	return d.SetComparisonMode(TransparentHysteresis)
}

// EnableExponentMasking enables exponent masking (manual ranges only).
func (d *device) EnableExponentMasking() error {
	return d.update(func(f *ConfigFields) { f.ExponentMask = true })
}

// DisableExponentMasking disables exponent masking (default).
func (d *device) DisableExponentMasking() error {
	return d.update(func(f *ConfigFields) { f.ExponentMask = false })
}

// SetLowLimitRaw sets the low limit from an exponent and mantissa.
// Returns ErrInvalidInputData for an exponent above 11 or a mantissa above 4095.
//
// Note that this disables the end-of-conversion mode.
func (d *device) SetLowLimitRaw(exponent uint8, mantissa uint16) error {
	raw, err := NewRaw(exponent, mantissa)
	if err != nil {
		return err
	}
	return d.setLowLimit(uint16(raw))
}

// SetHighLimitRaw sets the high limit from an exponent and mantissa.
// Returns ErrInvalidInputData for an exponent above 11 or a mantissa above 4095.
func (d *device) SetHighLimitRaw(exponent uint8, mantissa uint16) error {
	raw, err := NewRaw(exponent, mantissa)
	if err != nil {
		return err
	}
	return d.writeRegister(OPT300X_REGISTER_HIGH_LIMIT, uint16(raw))
}

// SetLowLimit sets the low limit in the unit of the part. Out of range
// values are clamped.
//
// Note that this disables the end-of-conversion mode.
func (d *device) SetLowLimit(value float64) error {
	return d.setLowLimit(d.part.Encode(value))
}

// SetHighLimit sets the high limit in the unit of the part. Out of range
// values are clamped.
func (d *device) SetHighLimit(value float64) error {
	return d.writeRegister(OPT300X_REGISTER_HIGH_LIMIT, d.part.Encode(value))
}

// ReadLowLimit reads the low limit register.
func (d *device) ReadLowLimit() (Raw, error) {
	limit, err := d.readRegister(OPT300X_REGISTER_LOW_LIMIT)
	return Raw(limit), err
}

// ReadHighLimit reads the high limit register.
func (d *device) ReadHighLimit() (Raw, error) {
	limit, err := d.readRegister(OPT300X_REGISTER_HIGH_LIMIT)
	return Raw(limit), err
}

// EnableEndOfConversionMode makes the INT pin report every completed conversion.
//
// Note that this changes the two highest bits of the low limit exponent.
func (d *device) EnableEndOfConversionMode() error {
	return d.writeRegister(OPT300X_REGISTER_LOW_LIMIT, d.lowLimit|endOfConversionBits)
}

// DisableEndOfConversionMode restores the low limit last set before
// enabling the end-of-conversion mode (0 by default).
func (d *device) DisableEndOfConversionMode() error {
	return d.writeRegister(OPT300X_REGISTER_LOW_LIMIT, d.lowLimit)
}

// ManufacturerID reads the manufacturer ID register.
func (d *device) ManufacturerID() (uint16, error) {
	return d.readRegister(OPT300X_REGISTER_MANUFACTURER_ID)
}

// DeviceID reads the device ID register.
func (d *device) DeviceID() (uint16, error) {
	return d.readRegister(OPT300X_REGISTER_DEVICE_ID)
}

// Identity reads both ID registers.
func (d *device) Identity() (Identity, error) {
	manufacturer, err := d.ManufacturerID()
	if err != nil {
		return Identity{}, err
	}
	dev, err := d.DeviceID()
	if err != nil {
		return Identity{}, err
	}
	return Identity{ManufacturerID: manufacturer, DeviceID: dev}, nil
}

func (d *device) setLowLimit(limit uint16) error {
	if err := d.writeRegister(OPT300X_REGISTER_LOW_LIMIT, limit); err != nil {
		return err
	}
	d.lowLimit = limit
	return nil
}

// update applies fn to the shadow configuration and writes the result.
func (d *device) update(fn func(f *ConfigFields)) error {
	f := DecodeConfig(d.config)
	fn(&f)
	raw, err := EncodeConfig(f)
	if err != nil {
		return err
	}
	if err := d.writeRegister(OPT300X_REGISTER_CONFIG, raw); err != nil {
		return err
	}
	d.config = raw
	// the write carries the handle's mode, which aborts a pending one-shot conversion
	d.conversionStarted = false
	return nil
}

// release hands the state over to a new handle and detaches this one.
func (d *device) release() *device {
	next := *d
	d.bus = nil
	return &next
}

func (d *device) live() error {
	if d.bus == nil {
		return ErrHandleReleased
	}
	return nil
}

func (d *device) readRegister(register byte) (uint16, error) {
	if err := d.live(); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	if err := d.bus.Tx(d.address, []byte{register}, buf); err != nil {
		return 0, err
	}
	l.Debugf("OPT300x 0x%02X: read 0x%02X = %v", d.address, register, buf)
	return binary.BigEndian.Uint16(buf), nil
}

func (d *device) writeRegister(register byte, value uint16) error {
	if err := d.live(); err != nil {
		return err
	}
	data := []byte{register, 0, 0}
	binary.BigEndian.PutUint16(data[1:], value)
	l.Debugf("OPT300x 0x%02X: write 0x%02X = %v", d.address, register, data[1:])
	return d.bus.Tx(d.address, data, nil)
}
