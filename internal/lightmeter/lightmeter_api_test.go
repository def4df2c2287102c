package lightmeter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ztkent/opt300x-meter/internal/telemetry"
)

func serve(h http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode error = %v", err)
	}
}

func TestStartStopHandlers(t *testing.T) {
	m, _ := newTestMeter(t)

	rec := serve(m.Start(), http.MethodGet, "/api/v1/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	var msg map[string]string
	decode(t, rec, &msg)
	if !strings.HasPrefix(msg["message"], "Light Reading Started") {
		t.Errorf("message = %q", msg["message"])
	}

	if rec := serve(m.Start(), http.MethodGet, "/api/v1/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if rec := serve(m.ServeMeasurement(), http.MethodGet, "/api/v1/measure", ""); rec.Code != http.StatusConflict {
		t.Errorf("measure while recording status = %d, want %d", rec.Code, http.StatusConflict)
	}
	if rec := serve(m.Stop(), http.MethodGet, "/api/v1/stop", ""); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d", rec.Code)
	}
	if rec := serve(m.Stop(), http.MethodGet, "/api/v1/stop", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("second stop status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDashboardResponsesAreHTML(t *testing.T) {
	m, _ := newTestMeter(t)

	rec := serve(m.Stop(), http.MethodGet, "/lightmeter/stop", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, the dashboard always gets 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<pre>"+ErrNotRecording.Error()+"</pre>") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestMeasurementHandler(t *testing.T) {
	m, _ := newTestMeter(t)

	rec := serve(m.ServeMeasurement(), http.MethodGet, "/api/v1/measure", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		Value    float64 `json:"value"`
		Unit     string  `json:"unit"`
		Raw      uint16  `json:"raw"`
		Exponent uint8   `json:"exponent"`
		Status   struct {
			ConversionReady bool `json:"conversionReady"`
		} `json:"status"`
	}
	decode(t, rec, &got)
	if got.Value != 2818.56 || got.Unit != "lux" || got.Raw != 0x789A || got.Exponent != 7 || !got.Status.ConversionReady {
		t.Errorf("measurement = %+v", got)
	}

	rec = serve(m.ServeMeasurement(), http.MethodGet, "/lightmeter/measure", "")
	if !strings.Contains(rec.Body.String(), "2818.56 lux") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestStatusHandler(t *testing.T) {
	m, _ := newTestMeter(t)

	var got SensorStatus
	decode(t, serve(m.ServeStatus(), http.MethodGet, "/api/v1/status", ""), &got)
	if !got.Connected || got.Recording || got.Part != "OPT3001" || got.Address != "0x44" || got.Mode != "shutdown" {
		t.Errorf("status = %+v", got)
	}

	jobID, err := m.StartJob()
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	got = SensorStatus{}
	decode(t, serve(m.ServeStatus(), http.MethodGet, "/api/v1/status", ""), &got)
	if !got.Recording || got.JobID != jobID || got.Mode != "continuous" || got.Flags == nil || !got.Flags.ConversionReady {
		t.Errorf("status = %+v", got)
	}

	rec := serve(m.ServeSensorStatus(), http.MethodGet, "/lightmeter/status", "")
	if !strings.Contains(rec.Body.String(), "recording, job "+jobID) {
		t.Errorf("body = %s", rec.Body)
	}
}

type unhealthySink struct {
	memorySink
	err error
}

func (s *unhealthySink) HealthCheck(ctx context.Context) error { return s.err }

func TestStatusHandler_Telemetry(t *testing.T) {
	m, _ := newTestMeter(t)

	var got SensorStatus
	decode(t, serve(m.ServeStatus(), http.MethodGet, "/api/v1/status", ""), &got)
	if got.Telemetry != "" {
		t.Errorf("telemetry without sinks = %q", got.Telemetry)
	}

	sink := &unhealthySink{}
	m.Sink = sink
	got = SensorStatus{}
	decode(t, serve(m.ServeStatus(), http.MethodGet, "/api/v1/status", ""), &got)
	if got.Telemetry != "ok" {
		t.Errorf("telemetry = %q, want ok", got.Telemetry)
	}

	sink.err = telemetry.ErrNotConnected
	got = SensorStatus{}
	decode(t, serve(m.ServeStatus(), http.MethodGet, "/api/v1/status", ""), &got)
	if got.Telemetry != telemetry.ErrNotConnected.Error() {
		t.Errorf("telemetry = %q, want %q", got.Telemetry, telemetry.ErrNotConnected)
	}
}

func TestStatusHandler_NotConnected(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewLightMeter(nil, nil, log)

	var got SensorStatus
	decode(t, serve(m.ServeStatus(), http.MethodGet, "/api/v1/status", ""), &got)
	if got.Connected {
		t.Errorf("status = %+v", got)
	}
	rec := serve(m.ServeSensorStatus(), http.MethodGet, "/lightmeter/status", "")
	if !strings.Contains(rec.Body.String(), "Sensor not connected") {
		t.Errorf("body = %s", rec.Body)
	}
	if rec := serve(m.ServeIdentity(), http.MethodGet, "/api/v1/identity", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("identity status = %d", rec.Code)
	}
}

func TestIdentityHandler(t *testing.T) {
	m, bus := newTestMeter(t)

	var got map[string]any
	decode(t, serve(m.ServeIdentity(), http.MethodGet, "/api/v1/identity", ""), &got)
	if got["manufacturerID"] != "0x5449" || got["deviceID"] != "0x3001" || got["genuine"] != true {
		t.Errorf("identity = %v", got)
	}

	bus.mu.Lock()
	bus.regs[regDevice] = 0x1234
	bus.mu.Unlock()
	got = nil
	decode(t, serve(m.ServeIdentity(), http.MethodGet, "/api/v1/identity", ""), &got)
	if got["genuine"] != false {
		t.Errorf("identity = %v", got)
	}
}

func TestConfigHandlers(t *testing.T) {
	m, bus := newTestMeter(t)

	var got SensorSettings
	decode(t, serve(m.ServeConfig(), http.MethodGet, "/api/v1/config", ""), &got)
	want := SensorSettings{
		Range:          "auto",
		ConversionTime: "800ms",
		Mode:           "shutdown",
		FaultCount:     1,
		Polarity:       "active-low",
		ComparisonMode: "latched-window",
		LowLimit:       0,
		HighLimit:      83865.6,
	}
	if got != want {
		t.Errorf("config = %+v, want %+v", got, want)
	}

	rec := serve(m.UpdateConfig(), http.MethodPost, "/api/v1/config",
		`{"conversionTime":"100ms","comparisonMode":"transparent-hysteresis","lowLimit":1200}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got = SensorSettings{}
	decode(t, rec, &got)
	if got.ConversionTime != "100ms" || got.ComparisonMode != "transparent-hysteresis" || got.LowLimit != 1200 {
		t.Errorf("config = %+v", got)
	}
	if cfg := bus.reg(regConfig); cfg != 0xC000 {
		t.Errorf("config register = 0x%04X, want 0xC000", cfg)
	}

	for _, body := range []string{
		`{"faultCount":3}`,
		`{"polarity":"upside-down"}`,
		`{"volume":11}`,
		`not json`,
	} {
		if rec := serve(m.UpdateConfig(), http.MethodPost, "/api/v1/config", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestCurrentConditionsHandler(t *testing.T) {
	m, _ := newTestMeter(t)

	if rec := serve(m.CurrentConditions(), http.MethodGet, "/api/v1/current-conditions", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status while idle = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	jobID, err := m.StartJob()
	if err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}
	m.saveResult(LuxResults{JobID: jobID, Value: 2818.56, Raw: 0x789A, Time: time.Now()})

	var got Conditions
	decode(t, serve(m.CurrentConditions(), http.MethodGet, "/api/v1/current-conditions", ""), &got)
	if got.JobID != jobID || got.Lux != 2818.56 || got.Raw != 0x789A {
		t.Errorf("conditions = %+v", got)
	}
}

func TestDashboardPages(t *testing.T) {
	m, _ := newTestMeter(t)
	m.saveResult(LuxResults{JobID: "job", Value: 15000, Raw: 0xA2DC, Time: time.Now()})

	tests := []struct {
		name    string
		handler http.HandlerFunc
		method  string
		path    string
		want    string
	}{
		{"dashboard", m.ServeDashboard(), http.MethodGet, "/", "OPT300x Meter"},
		{"controls", m.ServeLightControls(), http.MethodGet, "/lightmeter/controls", "/lightmeter/start"},
		{"graph", m.ServeResultsGraph(), http.MethodPost, "/lightmeter/graph", "echarts"},
		{"results", m.ServeResultsTab(), http.MethodPost, "/lightmeter/results", "15000.00 lux"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.handler, tt.method, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body does not contain %q", tt.want)
			}
		})
	}
}

func TestServeResultsDB(t *testing.T) {
	m, _ := newTestMeter(t)
	rec := serve(m.ServeResultsDB(), http.MethodGet, "/api/v1/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=readings.db" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "SQLite format 3") {
		t.Error("body is not a sqlite database")
	}
}

func TestHandlersDuringRecording(t *testing.T) {
	m, _ := newTestMeter(t)
	m.RecordInterval = time.Millisecond
	m.Sink = &memorySink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.MonitorAndRecordResults(ctx)

	handlers := []struct {
		name    string
		handler http.HandlerFunc
		method  string
		path    string
	}{
		{"measure", m.ServeMeasurement(), http.MethodGet, "/api/v1/measure"},
		{"current", m.CurrentConditions(), http.MethodGet, "/api/v1/current-conditions"},
		{"current html", m.CurrentConditions(), http.MethodGet, "/lightmeter/current-conditions"},
		{"status", m.ServeStatus(), http.MethodGet, "/api/v1/status"},
		{"identity", m.ServeIdentity(), http.MethodGet, "/api/v1/identity"},
		{"config", m.ServeConfig(), http.MethodGet, "/api/v1/config"},
		{"graph", m.ServeResultsGraph(), http.MethodPost, "/lightmeter/graph"},
		{"results", m.ServeResultsTab(), http.MethodPost, "/lightmeter/results"},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			if _, err := m.StartJob(); err != nil {
				t.Errorf("StartJob() error = %v", err)
				return
			}
			time.Sleep(2 * time.Millisecond)
			if err := m.StopJob(); err != nil {
				t.Errorf("StopJob() error = %v", err)
				return
			}
		}
	}()
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				rec := serve(h.handler, h.method, h.path, "")
				if rec.Code >= http.StatusInternalServerError {
					t.Errorf("%s: status = %d, body %s", h.name, rec.Code, rec.Body)
					return
				}
			}
		}()
	}
	wg.Wait()

	if _, recording := m.Recording(); recording {
		t.Error("still recording after the last StopJob()")
	}
}
