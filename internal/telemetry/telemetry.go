// Package telemetry forwards light readings to external systems.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ztkent/opt300x-meter/opt300x"
)

var (
	ErrConnectionFailed = errors.New("telemetry: connection failed")
	ErrPublishFailed    = errors.New("telemetry: publish failed")
	ErrNotConnected     = errors.New("telemetry: not connected")
)

// Reading is a single recorded conversion.
type Reading struct {
	JobID  string
	Sensor string
	Part   string
	Unit   string
	Value  float64
	Raw    opt300x.Raw
	Status opt300x.Status
	Time   time.Time
}

// Sink receives readings. Implementations must be safe for concurrent use.
type Sink interface {
	Record(r Reading) error
	Close() error
}

// HealthChecker is implemented by sinks that can report whether their
// backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SensorName identifies a sensor on its bus, e.g. "opt3001-0x44".
func SensorName(part opt300x.Part, addr uint16) string {
	return fmt.Sprintf("%s-0x%02x", strings.ToLower(part.Name), addr)
}

// Multi fans a reading out to every sink.
type Multi []Sink

func (m Multi) Record(r Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck checks every sink that implements HealthChecker.
func (m Multi) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		hc, ok := s.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
