package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/ztkent/opt300x-meter/opt300x"
)

var testReading = Reading{
	JobID:  "job-1",
	Sensor: "opt3001-0x44",
	Part:   "OPT3001",
	Unit:   "lux",
	Value:  2818.56,
	Raw:    0x789A,
	Status: opt300x.Status{ConversionReady: true, TooHigh: true},
	Time:   time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
}

func TestSensorName(t *testing.T) {
	if got := SensorName(opt300x.OPT3001, 0x44); got != "opt3001-0x44" {
		t.Errorf("SensorName() = %q", got)
	}
	if got := SensorName(opt300x.OPT3007, opt300x.OPT300X_OPT3007_ADDR); got != "opt3007-0x45" {
		t.Errorf("SensorName() = %q", got)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		prefix, reading, status string
	}{
		{"opt300x", "opt300x/opt3001-0x44/reading", "opt300x/opt3001-0x44/status"},
		{"home/garden/", "home/garden/opt3001-0x44/reading", "home/garden/opt3001-0x44/status"},
	}
	for _, tt := range tests {
		if got := readingTopic(tt.prefix, "opt3001-0x44"); got != tt.reading {
			t.Errorf("readingTopic(%q) = %q, want %q", tt.prefix, got, tt.reading)
		}
		if got := statusTopic(tt.prefix, "opt3001-0x44"); got != tt.status {
			t.Errorf("statusTopic(%q) = %q, want %q", tt.prefix, got, tt.status)
		}
	}
}

func TestReadingPayload(t *testing.T) {
	payload, err := readingPayload(testReading)
	if err != nil {
		t.Fatalf("readingPayload() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	want := map[string]any{
		"job_id":    "job-1",
		"sensor":    "opt3001-0x44",
		"part":      "OPT3001",
		"value":     2818.56,
		"unit":      "lux",
		"raw":       float64(0x789A),
		"exponent":  float64(7),
		"mantissa":  float64(0x89A),
		"overflow":  false,
		"too_high":  true,
		"too_low":   false,
		"timestamp": "2024-07-01T12:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("payload[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	got := string(statusPayload("opt3001-0x44", "offline", testReading.Time))
	want := `{"status":"offline","sensor":"opt3001-0x44","timestamp":"2024-07-01T12:00:00Z"}`
	if got != want {
		t.Errorf("statusPayload() = %s, want %s", got, want)
	}
}

func TestReadingPoint(t *testing.T) {
	line := write.PointToLineProtocol(readingPoint(testReading), time.Second)
	for _, want := range []string{
		"ambient_light,job_id=job-1,part=OPT3001,sensor=opt3001-0x44 ",
		"value=2818.56",
		"raw=30874i",
		"too_high=true",
		"overflow=false",
		" 1719835200",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q does not contain %q", line, want)
		}
	}

	noJob := testReading
	noJob.JobID = ""
	if line := write.PointToLineProtocol(readingPoint(noJob), time.Second); strings.Contains(line, "job_id") {
		t.Errorf("line %q has a job_id tag", line)
	}
}

type recordingSink struct {
	readings []Reading
	err      error
	closed   bool
}

func (s *recordingSink) Record(r Reading) error {
	s.readings = append(s.readings, r)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return s.err
}

func TestMulti(t *testing.T) {
	failure := errors.New("broker gone")
	ok, failing := &recordingSink{}, &recordingSink{err: failure}
	m := Multi{failing, ok}

	if err := m.Record(testReading); !errors.Is(err, failure) {
		t.Errorf("Record() error = %v, want %v", err, failure)
	}
	if len(ok.readings) != 1 || len(failing.readings) != 1 {
		t.Errorf("readings = %d, %d, want 1, 1", len(ok.readings), len(failing.readings))
	}
	if err := m.Close(); !errors.Is(err, failure) {
		t.Errorf("Close() error = %v", err)
	}
	if !ok.closed || !failing.closed {
		t.Error("not every sink was closed")
	}
	if err := (Multi{}).Record(testReading); err != nil {
		t.Errorf("empty Multi Record() error = %v", err)
	}
}

type checkedSink struct {
	recordingSink
	health error
}

func (s *checkedSink) HealthCheck(ctx context.Context) error { return s.health }

func TestMultiHealthCheck(t *testing.T) {
	failure := errors.New("influxdb health check failed")
	tests := []struct {
		name  string
		sinks Multi
		want  error
	}{
		{"no checkers", Multi{&recordingSink{}}, nil},
		{"healthy", Multi{&recordingSink{}, &checkedSink{}}, nil},
		{"unhealthy", Multi{&checkedSink{}, &checkedSink{health: failure}}, failure},
		{"mqtt disconnected", Multi{&checkedSink{}, &MQTTSink{}}, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sinks.HealthCheck(context.Background())
			if tt.want == nil && err != nil {
				t.Errorf("HealthCheck() error = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("HealthCheck() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMQTTHealthCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (&MQTTSink{}).HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}
