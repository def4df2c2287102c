package lightmeter

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ztkent/opt300x-meter/internal/telemetry"
	"github.com/ztkent/opt300x-meter/internal/tools"
	"github.com/ztkent/opt300x-meter/opt300x"
)

//go:embed html/*
var templateFiles embed.FS

const (
	MAX_JOB_DURATION = 8 * time.Hour
	RECORD_INTERVAL  = 30 * time.Second
	DB_PATH          = "opt300xmeter.db"

	measureTimeout = 3 * time.Second
)

var (
	ErrNotConnected     = errors.New("the sensor is not connected")
	ErrAlreadyRecording = errors.New("the sensor is already recording")
	ErrNotRecording     = errors.New("the sensor is not recording")
)

// sensor is the part of the driver shared by both mode handles.
type sensor interface {
	Part() opt300x.Part
	Address() uint16
	Config() opt300x.ConfigFields
	ReadStatus() (opt300x.Status, error)
	Identity() (opt300x.Identity, error)
	SetFaultCount(opt300x.FaultCount) error
	SetInterruptPolarity(opt300x.Polarity) error
	SetComparisonMode(opt300x.ComparisonMode) error
	SetConversionTime(opt300x.ConversionTime) error
	SetLowLimit(float64) error
	SetHighLimit(float64) error
	ReadLowLimit() (opt300x.Raw, error)
	ReadHighLimit() (opt300x.Raw, error)
}

// LightMeter records readings of an OPT300x sensor and serves them over HTTP.
//
// The sensor sits in one-shot mode while idle and in continuous mode while a
// recording job runs. Every access to the sensor is serialised by mu.
type LightMeter struct {
	LuxResultsChan chan LuxResults
	ResultsDB      *sql.DB
	DBPath         string
	RecordInterval time.Duration
	MaxJobDuration time.Duration
	// Location the dashboard date pickers are interpreted in.
	Location *time.Location
	Sink     telemetry.Sink
	Sensor   string

	log  logrus.FieldLogger
	part opt300x.Part

	mu         sync.Mutex
	oneShot    *opt300x.OneShot
	continuous *opt300x.Continuous
	jobID      string
	cancel     context.CancelFunc
	done       chan struct{}
}

type LuxResults struct {
	JobID  string
	Value  float64
	Raw    opt300x.Raw
	Status opt300x.Status
	Time   time.Time
}

type Conditions struct {
	JobID                 string  `json:"jobID"`
	Lux                   float64 `json:"lux"`
	Raw                   uint16  `json:"raw"`
	Overflow              bool    `json:"overflow"`
	TooHigh               bool    `json:"tooHigh"`
	TooLow                bool    `json:"tooLow"`
	CreatedAt             string  `json:"createdAt"`
	DateRange             string  `json:"dateRange,omitempty"`
	RecordedHoursInRange  float64 `json:"recordedHoursInRange,omitempty"`
	FullSunlightInRange   float64 `json:"fullSunlightInRange,omitempty"`
	LightConditionInRange string  `json:"lightConditionInRange,omitempty"`
	AverageLuxInRange     float64 `json:"averageLuxInRange,omitempty"`
}

// NewLightMeter creates a meter for the sensor. s may be nil when no sensor
// could be reached; every sensor operation then reports ErrNotConnected.
func NewLightMeter(s *opt300x.OneShot, db *sql.DB, log logrus.FieldLogger) *LightMeter {
	m := &LightMeter{
		LuxResultsChan: make(chan LuxResults),
		ResultsDB:      db,
		DBPath:         DB_PATH,
		RecordInterval: RECORD_INTERVAL,
		MaxJobDuration: MAX_JOB_DURATION,
		Location:       time.UTC,
		log:            log,
		part:           opt300x.OPT3001,
		oneShot:        s,
	}
	if s != nil {
		m.part = s.Part()
		m.Sensor = telemetry.SensorName(s.Part(), s.Address())
	}
	return m
}

// current returns the live handle, nil when disconnected. Callers hold mu.
func (m *LightMeter) current() sensor {
	switch {
	case m.continuous != nil:
		return m.continuous
	case m.oneShot != nil:
		return m.oneShot
	}
	return nil
}

// Recording reports whether a job is running, and its id.
func (m *LightMeter) Recording() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID, m.jobID != ""
}

// StartJob switches the sensor into continuous mode and records a reading
// every RecordInterval until StopJob is called or MaxJobDuration passes.
func (m *LightMeter) StartJob() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current() == nil {
		return "", ErrNotConnected
	}
	if m.jobID != "" {
		return "", ErrAlreadyRecording
	}
	if m.continuous == nil {
		c, err := m.oneShot.IntoContinuous()
		if err != nil {
			return "", fmt.Errorf("starting continuous conversions: %w", err)
		}
		m.oneShot, m.continuous = nil, c
	}

	jobID := uuid.New().String()
	ctx, cancel := context.WithTimeout(context.Background(), m.MaxJobDuration)
	m.jobID, m.cancel, m.done = jobID, cancel, make(chan struct{})
	go m.record(ctx, jobID, m.done)

	m.log.WithField("job_id", jobID).Info("It's going to be a bright day!")
	return jobID, nil
}

// StopJob cancels the running job and returns the sensor to one-shot mode.
// It waits for the job to stop sending results.
func (m *LightMeter) StopJob() error {
	m.mu.Lock()
	if m.jobID == "" {
		m.mu.Unlock()
		return ErrNotRecording
	}
	done := m.done
	err := m.finishJobLocked()
	m.mu.Unlock()

	<-done
	return err
}

// finishJobLocked clears the job and shuts the sensor down. If the mode
// change fails the sensor stays in continuous mode; the next job reuses it.
func (m *LightMeter) finishJobLocked() error {
	m.cancel()
	m.log.WithField("job_id", m.jobID).Info("Job finished, stopping sensor")
	m.jobID, m.cancel = "", nil

	s, err := m.continuous.IntoOneShot()
	if err != nil {
		m.log.WithError(err).Error("The sensor failed to enter one-shot mode")
		return fmt.Errorf("stopping continuous conversions: %w", err)
	}
	m.oneShot, m.continuous = s, nil
	return nil
}

func (m *LightMeter) record(ctx context.Context, jobID string, done chan struct{}) {
	defer close(done)
	defer func() {
		// the job timed out rather than being stopped
		m.mu.Lock()
		if m.jobID == jobID {
			m.finishJobLocked()
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.RecordInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result, err := m.readContinuous(jobID)
		if errors.Is(err, ErrNotRecording) {
			return
		} else if err != nil {
			m.log.WithError(err).WithField("job_id", jobID).Warn("The sensor failed to read")
			continue
		}
		select {
		case m.LuxResultsChan <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (m *LightMeter) readContinuous(jobID string) (LuxResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobID != jobID || m.continuous == nil {
		return LuxResults{}, ErrNotRecording
	}
	raw, err := m.continuous.ReadRaw()
	if err != nil {
		return LuxResults{}, err
	}
	status, err := m.continuous.ReadStatus()
	if err != nil {
		return LuxResults{}, err
	}
	return LuxResults{
		JobID:  jobID,
		Value:  m.continuous.Part().Decode(uint16(raw)),
		Raw:    raw,
		Status: status,
		Time:   time.Now().UTC(),
	}, nil
}

// Measure runs a single one-shot conversion. It fails with
// ErrAlreadyRecording while a job owns the sensor.
func (m *LightMeter) Measure(ctx context.Context) (opt300x.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current() == nil {
		return opt300x.Measurement{}, ErrNotConnected
	}
	if m.oneShot == nil {
		return opt300x.Measurement{}, ErrAlreadyRecording
	}
	return m.oneShot.Measure(ctx, opt300x.DefaultPollInterval)
}

// Close stops a running job and closes the sinks.
func (m *LightMeter) Close() error {
	var errs []error
	if err := m.StopJob(); err != nil && !errors.Is(err, ErrNotRecording) {
		errs = append(errs, err)
	}
	if m.Sink != nil {
		errs = append(errs, m.Sink.Close())
	}
	return errors.Join(errs...)
}

// MonitorAndRecordResults reads from LuxResultsChan, writes the results to
// sqlite and forwards them to the sink, until ctx is done.
func (m *LightMeter) MonitorAndRecordResults(ctx context.Context) {
	m.log.Info("Monitoring for new light readings...")
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-m.LuxResultsChan:
			m.saveResult(result)
		}
	}
}

func (m *LightMeter) saveResult(result LuxResults) {
	entry := m.log.WithFields(logrus.Fields{"job_id": result.JobID, "lux": result.Value})
	entry.Debug("Recording reading")
	if math.IsInf(result.Value, 0) || math.IsNaN(result.Value) {
		entry.Warn("Lux is invalid, skipping record")
		return
	}
	_, err := m.ResultsDB.Exec(
		`INSERT INTO readings (job_id, part, lux, raw, exponent, mantissa, overflow, too_high, too_low, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.JobID,
		m.part.Name,
		result.Value,
		uint16(result.Raw),
		result.Raw.Exponent(),
		result.Raw.Mantissa(),
		result.Status.Overflow,
		result.Status.TooHigh,
		result.Status.TooLow,
		result.Time.UTC().Format(tools.LayoutDB),
	)
	if err != nil {
		entry.WithError(err).Error("Failed to save reading")
	}
	if m.Sink == nil {
		return
	}
	err = m.Sink.Record(telemetry.Reading{
		JobID:  result.JobID,
		Sensor: m.Sensor,
		Part:   m.part.Name,
		Unit:   m.part.Unit,
		Value:  result.Value,
		Raw:    result.Raw,
		Status: result.Status,
		Time:   result.Time,
	})
	if err != nil {
		entry.WithError(err).Warn("Failed to forward reading")
	}
}

// getCurrentConditions returns the most recent entry saved to the db.
func (m *LightMeter) getCurrentConditions() (Conditions, error) {
	conditions := Conditions{}
	var raw int64
	var createdAt time.Time
	row := m.ResultsDB.QueryRow(`SELECT job_id, lux, raw, overflow, too_high, too_low, created_at FROM readings ORDER BY id DESC LIMIT 1`)
	err := row.Scan(&conditions.JobID, &conditions.Lux, &raw, &conditions.Overflow, &conditions.TooHigh, &conditions.TooLow, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conditions, nil
	} else if err != nil {
		return Conditions{}, err
	}
	conditions.Raw = uint16(raw)
	conditions.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	return conditions, nil
}

func parseTemplateFile(path string) (*template.Template, error) {
	content, err := templateFiles.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded template: %w", err)
	}
	tmpl, err := template.New(path).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}

// StaticFiles serves the embedded stylesheet and other assets.
func StaticFiles() http.FileSystem {
	sub, err := fs.Sub(templateFiles, "html")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
