package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"

	"github.com/ztkent/opt300x-meter/internal/config"
	"github.com/ztkent/opt300x-meter/internal/lightmeter"
	"github.com/ztkent/opt300x-meter/internal/telemetry"
	"github.com/ztkent/opt300x-meter/internal/tools"
	"github.com/ztkent/opt300x-meter/opt300x"
)

/*
	Entry point for the OPT300x Meter.
	It should be running at startup, on a Raspberry Pi, with an OPT300x sensor on the I2C bus.
*/

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("OPT300X_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log, err := tools.NewLogger(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		logrus.Fatalf("Failed to open log file: %v", err)
	}
	opt300x.SetLogger(log)
	log.Infof("OPT300x Meter [%d]", os.Getpid())

	// connect to the light sensor, the dashboard still serves results without one
	bus := opt300x.OpenDevfs(cfg.Sensor.Bus)
	defer bus.Close()
	sensor, err := connectSensor(bus, cfg.Sensor, log)
	if err != nil {
		log.WithError(err).Errorf("Failed to connect to the %s sensor", cfg.Sensor.Part)
	}

	// connect to the sqlite database
	db, err := tools.ConnectSqlite(cfg.Meter.DBPath, log)
	if err != nil {
		// Unlike connecting to the sensor, this should always work.
		log.Fatalf("Failed to connect to the sqlite database: %v", err)
	}
	defer db.Close()

	meter := lightmeter.NewLightMeter(sensor, db, log)
	meter.DBPath = cfg.Meter.DBPath
	meter.RecordInterval = cfg.Meter.RecordInterval
	meter.MaxJobDuration = cfg.Meter.MaxJobDuration
	if loc, err := time.LoadLocation(cfg.Meter.Timezone); err == nil {
		meter.Location = loc
	}
	if sink := connectSinks(cfg, meter.Sensor, log); sink != nil {
		meter.Sink = sink
	}
	defer meter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	// Log requests and recover from panics
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: true}))
	r.Use(handleServerPanic)
	defineRoutes(ctx, r, meter)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if cfg.Server.SSL {
		// Generate a self-signed certificate if one doesn't exist
		if err := tools.EnsureCertificate(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
			log.Fatalf("Failed to prepare the TLS certificate: %v", err)
		}
		log.Infof("Starting HTTPS server on port %d", cfg.Server.Port)
		err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
	} else {
		log.Infof("Starting HTTP server on port %d", cfg.Server.Port)
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Server failed: %v", err)
	}
}

// connectSensor checks the sensor answers with the expected IDs and writes
// the configured settings. The sensor is left in one-shot mode.
func connectSensor(bus drivers.I2C, cfg config.SensorConfig, log logrus.FieldLogger) (*opt300x.OneShot, error) {
	part, err := cfg.SensorPart()
	if err != nil {
		return nil, err
	}
	var addr opt300x.SlaveAddr
	if !part.HasFixedAddress() {
		if addr, err = cfg.SensorAddress(); err != nil {
			return nil, err
		}
	}
	sensor := opt300x.New(bus, part, addr)

	id, err := sensor.Identity()
	if err != nil {
		return nil, fmt.Errorf("reading sensor identity: %w", err)
	}
	if !id.IsGenuine() {
		log.WithFields(logrus.Fields{
			"manufacturer_id": fmt.Sprintf("0x%04X", id.ManufacturerID),
			"device_id":       fmt.Sprintf("0x%04X", id.DeviceID),
		}).Warn("Unexpected sensor identity")
	}

	ct, err := cfg.SensorConversionTime()
	if err != nil {
		return nil, err
	}
	fc, err := cfg.SensorFaultCount()
	if err != nil {
		return nil, err
	}
	polarity, err := cfg.SensorPolarity()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.SensorComparisonMode()
	if err != nil {
		return nil, err
	}
	for _, apply := range []func() error{
		func() error { return sensor.SetConversionTime(ct) },
		func() error { return sensor.SetFaultCount(fc) },
		func() error { return sensor.SetInterruptPolarity(polarity) },
		func() error { return sensor.SetComparisonMode(mode) },
		func() error { return sensor.SetLowLimit(cfg.LowLimit) },
		func() error { return sensor.SetHighLimit(cfg.HighLimit) },
	} {
		if err := apply(); err != nil {
			return nil, fmt.Errorf("configuring sensor: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"part":    part.Name,
		"address": fmt.Sprintf("0x%02X", sensor.Address()),
	}).Info("Sensor connected")
	return sensor, nil
}

// connectSinks connects the enabled telemetry sinks. A sink that cannot
// connect is logged and skipped.
func connectSinks(cfg *config.Config, sensor string, log logrus.FieldLogger) telemetry.Sink {
	var sinks telemetry.Multi
	if cfg.MQTT.Enabled {
		sink, err := telemetry.ConnectMQTT(cfg.MQTT, sensor, log)
		if err != nil {
			log.WithError(err).Error("Failed to connect to the MQTT broker")
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.InfluxDB.Enabled {
		sink, err := telemetry.ConnectInflux(cfg.InfluxDB, log)
		if err != nil {
			log.WithError(err).Error("Failed to connect to InfluxDB")
		} else {
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func defineRoutes(ctx context.Context, r *chi.Mux, meter *lightmeter.LightMeter) {
	// Listen for any result messages from our jobs, record them in sqlite
	go meter.MonitorAndRecordResults(ctx)

	// Light Meter Dashboard Controls
	r.With(tools.CheckInNetwork).Get("/", meter.ServeDashboard())
	r.Route("/lightmeter", func(r chi.Router) {
		r.Use(tools.CheckInNetwork)
		r.Get("/start", meter.Start())
		r.Get("/stop", meter.Stop())
		r.Get("/measure", meter.ServeMeasurement())
		r.Get("/current-conditions", meter.CurrentConditions())
		r.Get("/export", meter.ServeResultsDB())
		r.Post("/graph", meter.ServeResultsGraph())
		r.Get("/controls", meter.ServeLightControls())
		r.Get("/status", meter.ServeSensorStatus())
		r.Post("/results", meter.ServeResultsTab())
		r.Get("/clear", meter.Clear())
	})

	// Light Meter API, these serve a JSON response
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(tools.CheckInNetwork)
		r.Get("/start", meter.Start())
		r.Get("/stop", meter.Stop())
		r.Get("/measure", meter.ServeMeasurement())
		r.Get("/current-conditions", meter.CurrentConditions())
		r.Get("/status", meter.ServeStatus())
		r.Get("/identity", meter.ServeIdentity())
		r.Get("/config", meter.ServeConfig())
		r.Post("/config", meter.UpdateConfig())
		r.Get("/export", meter.ServeResultsDB())
	})

	// Route for service identification
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		response := struct {
			ServiceName string `json:"service_name"`
		}{
			ServiceName: "OPT300x Meter",
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	})

	FileServer(r, "/static/", lightmeter.StaticFiles())
}

func FileServer(r chi.Router, path string, root http.FileSystem) {
	r.Get(path+"*", func(w http.ResponseWriter, r *http.Request) {
		http.StripPrefix(path, http.FileServer(root)).ServeHTTP(w, r)
	})
}

func handleServerPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				lightmeter.ServeResponse(w, r, fmt.Sprintf("%v", err), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
