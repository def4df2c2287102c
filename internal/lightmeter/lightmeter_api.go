package lightmeter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ztkent/opt300x-meter/internal/telemetry"
	"github.com/ztkent/opt300x-meter/opt300x"
)

// Start the sensor, and collect data in a loop
func (m *LightMeter) Start() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := m.StartJob()
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		ServeResponse(w, r, "Light Reading Started: "+jobID, http.StatusOK)
	}
}

// Stop the sensor, and cancel the job context
func (m *LightMeter) Stop() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.StopJob(); err != nil {
			m.serveError(w, r, err)
			return
		}
		ServeResponse(w, r, "Light Reading Stopped", http.StatusOK)
	}
}

// Serve data about the most recent entry saved to the db
func (m *LightMeter) CurrentConditions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, recording := m.Recording(); !recording {
			m.serveError(w, r, ErrNotRecording)
			return
		}
		conditions, err := m.getCurrentConditions()
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		if isAPI(r) {
			ServeJSON(w, conditions, http.StatusOK)
			return
		}
		unit := m.part.Unit
		ServeResponse(w, r, fmt.Sprintf("%.2f %s at %s", conditions.Lux, unit, conditions.CreatedAt), http.StatusOK)
	}
}

// Single one-shot conversion, only while no job is recording
func (m *LightMeter) ServeMeasurement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), measureTimeout)
		defer cancel()
		measurement, err := m.Measure(ctx)
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		unit := m.part.Unit
		if isAPI(r) {
			ServeJSON(w, struct {
				Value    float64        `json:"value"`
				Unit     string         `json:"unit"`
				Raw      uint16         `json:"raw"`
				Exponent uint8          `json:"exponent"`
				Mantissa uint16         `json:"mantissa"`
				Status   opt300x.Status `json:"status"`
			}{
				Value:    measurement.Value,
				Unit:     unit,
				Raw:      uint16(measurement.Raw),
				Exponent: measurement.Raw.Exponent(),
				Mantissa: measurement.Raw.Mantissa(),
				Status:   measurement.Status,
			}, http.StatusOK)
			return
		}
		ServeResponse(w, r, fmt.Sprintf("%.2f %s", measurement.Value, unit), http.StatusOK)
	}
}

type SensorStatus struct {
	Connected bool            `json:"connected"`
	Recording bool            `json:"recording"`
	JobID     string          `json:"jobID,omitempty"`
	Sensor    string          `json:"sensor,omitempty"`
	Part      string          `json:"part,omitempty"`
	Address   string          `json:"address,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Flags     *opt300x.Status `json:"flags,omitempty"`
	// Telemetry is "ok" or the sink health error, empty without sinks.
	Telemetry string `json:"telemetry,omitempty"`
}

func (m *LightMeter) sensorStatus() (SensorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current()
	if s == nil {
		return SensorStatus{}, nil
	}
	flags, err := s.ReadStatus()
	if err != nil {
		return SensorStatus{}, err
	}
	return SensorStatus{
		Connected: true,
		Recording: m.jobID != "",
		JobID:     m.jobID,
		Sensor:    m.Sensor,
		Part:      s.Part().Name,
		Address:   fmt.Sprintf("0x%02X", s.Address()),
		Mode:      s.Config().Mode.String(),
		Flags:     &flags,
	}, nil
}

func (m *LightMeter) sinkHealth(ctx context.Context) string {
	hc, ok := m.Sink.(telemetry.HealthChecker)
	if !ok {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, measureTimeout)
	defer cancel()
	if err := hc.HealthCheck(ctx); err != nil {
		m.log.WithError(err).Warn("Telemetry sink is unhealthy")
		return err.Error()
	}
	return "ok"
}

// JSON status of the sensor. Reading the flags clears latched limit flags.
func (m *LightMeter) ServeStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := m.sensorStatus()
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		status.Telemetry = m.sinkHealth(r.Context())
		ServeJSON(w, status, http.StatusOK)
	}
}

// Manufacturer and device ID of the sensor
func (m *LightMeter) ServeIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		s := m.current()
		if s == nil {
			m.mu.Unlock()
			m.serveError(w, r, ErrNotConnected)
			return
		}
		id, err := s.Identity()
		m.mu.Unlock()
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		ServeJSON(w, struct {
			ManufacturerID string `json:"manufacturerID"`
			DeviceID       string `json:"deviceID"`
			Genuine        bool   `json:"genuine"`
		}{
			ManufacturerID: fmt.Sprintf("0x%04X", id.ManufacturerID),
			DeviceID:       fmt.Sprintf("0x%04X", id.DeviceID),
			Genuine:        id.IsGenuine(),
		}, http.StatusOK)
	}
}

// SensorSettings is the writable configuration of the sensor. Limits are in
// the unit of the part.
type SensorSettings struct {
	Range          string  `json:"range"`
	ConversionTime string  `json:"conversionTime"`
	Mode           string  `json:"mode"`
	FaultCount     int     `json:"faultCount"`
	Polarity       string  `json:"polarity"`
	ComparisonMode string  `json:"comparisonMode"`
	ExponentMask   bool    `json:"exponentMask"`
	LowLimit       float64 `json:"lowLimit"`
	HighLimit      float64 `json:"highLimit"`
}

// SettingsUpdate holds the settings to change, nil fields are left alone.
type SettingsUpdate struct {
	FaultCount     *int     `json:"faultCount"`
	Polarity       *string  `json:"polarity"`
	ComparisonMode *string  `json:"comparisonMode"`
	ConversionTime *string  `json:"conversionTime"`
	LowLimit       *float64 `json:"lowLimit"`
	HighLimit      *float64 `json:"highLimit"`
}

func (m *LightMeter) settingsLocked(s sensor) (SensorSettings, error) {
	low, err := s.ReadLowLimit()
	if err != nil {
		return SensorSettings{}, err
	}
	high, err := s.ReadHighLimit()
	if err != nil {
		return SensorSettings{}, err
	}
	cfg := s.Config()
	return SensorSettings{
		Range:          cfg.Range.String(),
		ConversionTime: cfg.ConversionTime.String(),
		Mode:           cfg.Mode.String(),
		FaultCount:     cfg.FaultCount.Count(),
		Polarity:       cfg.Polarity.String(),
		ComparisonMode: cfg.ComparisonMode.String(),
		ExponentMask:   cfg.ExponentMask,
		LowLimit:       s.Part().Decode(uint16(low)),
		HighLimit:      s.Part().Decode(uint16(high)),
	}, nil
}

// Settings reads the current configuration and limits of the sensor.
func (m *LightMeter) Settings() (SensorSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current()
	if s == nil {
		return SensorSettings{}, ErrNotConnected
	}
	return m.settingsLocked(s)
}

// ApplySettings validates every field of u before writing any of them.
func (m *LightMeter) ApplySettings(u SettingsUpdate) (SensorSettings, error) {
	var steps []func(s sensor) error
	if u.FaultCount != nil {
		fc, err := opt300x.ParseFaultCount(*u.FaultCount)
		if err != nil {
			return SensorSettings{}, err
		}
		steps = append(steps, func(s sensor) error { return s.SetFaultCount(fc) })
	}
	if u.Polarity != nil {
		p, err := opt300x.ParsePolarity(*u.Polarity)
		if err != nil {
			return SensorSettings{}, err
		}
		steps = append(steps, func(s sensor) error { return s.SetInterruptPolarity(p) })
	}
	if u.ComparisonMode != nil {
		mode, err := opt300x.ParseComparisonMode(*u.ComparisonMode)
		if err != nil {
			return SensorSettings{}, err
		}
		steps = append(steps, func(s sensor) error { return s.SetComparisonMode(mode) })
	}
	if u.ConversionTime != nil {
		ct, err := opt300x.ParseConversionTime(*u.ConversionTime)
		if err != nil {
			return SensorSettings{}, err
		}
		steps = append(steps, func(s sensor) error { return s.SetConversionTime(ct) })
	}
	if u.LowLimit != nil && u.HighLimit != nil && *u.LowLimit > *u.HighLimit {
		return SensorSettings{}, fmt.Errorf("%w: low limit above high limit", opt300x.ErrInvalidInputData)
	}
	if u.LowLimit != nil {
		low := *u.LowLimit
		steps = append(steps, func(s sensor) error { return s.SetLowLimit(low) })
	}
	if u.HighLimit != nil {
		high := *u.HighLimit
		steps = append(steps, func(s sensor) error { return s.SetHighLimit(high) })
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current()
	if s == nil {
		return SensorSettings{}, ErrNotConnected
	}
	for _, step := range steps {
		if err := step(s); err != nil {
			return SensorSettings{}, err
		}
	}
	return m.settingsLocked(s)
}

// Serve the configuration of the sensor
func (m *LightMeter) ServeConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := m.Settings()
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		ServeJSON(w, settings, http.StatusOK)
	}
}

// Update the configuration of the sensor from a JSON SettingsUpdate
func (m *LightMeter) UpdateConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update SettingsUpdate
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&update); err != nil {
			ServeResponse(w, r, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		settings, err := m.ApplySettings(update)
		if err != nil {
			m.serveError(w, r, err)
			return
		}
		m.log.WithField("settings", settings).Info("Sensor configuration updated")
		ServeJSON(w, settings, http.StatusOK)
	}
}

func (m *LightMeter) serveError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrNotRecording), errors.Is(err, opt300x.ErrInvalidInputData):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRecording):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		m.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	ServeResponse(w, r, err.Error(), status)
}

func isAPI(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "/api/v1/")
}

// Populate the response div with a message, or reply with a JSON message.
// The dashboard always gets a 200 so htmx swaps the message in.
func ServeResponse(w http.ResponseWriter, r *http.Request, message string, status int) {
	if isAPI(r) {
		ServeJSON(w, map[string]string{"message": message}, status)
		return
	}

	tmpl, err := parseTemplateFile("html/response.gohtml")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	if err := tmpl.Execute(w, message); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func ServeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
