package tools

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestCheckInNetwork(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := CheckInNetwork(ok)

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:5000", http.StatusOK},
		{"[::1]:5000", http.StatusOK},
		{"192.168.1.20:5000", http.StatusOK},
		{"10.4.0.9:5000", http.StatusOK},
		{"172.20.0.1:5000", http.StatusOK},
		{"8.8.8.8:5000", http.StatusForbidden},
		{"172.32.0.1:5000", http.StatusForbidden},
		{"not-an-address", http.StatusBadRequest},
		{"host:5000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestParseStartAndEndDate(t *testing.T) {
	log, _ := test.NewNullLogger()
	loc, err := time.LoadLocation("America/Indiana/Indianapolis")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}

	form := url.Values{"start": {"2024-07-01T08:00"}, "end": {"2024-07-01T20:30"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start, end := ParseStartAndEndDate(req, loc, log)
	// EDT is UTC-4
	if start != "2024-07-01 12:00:00" {
		t.Errorf("start = %q", start)
	}
	if end != "2024-07-02 00:30:00" {
		t.Errorf("end = %q", end)
	}
}

func TestParseStartAndEndDate_DefaultWindow(t *testing.T) {
	log, _ := test.NewNullLogger()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	start, end := ParseStartAndEndDate(req, time.UTC, log)
	s, e, err := StartAndEndDateToTime(start, end)
	if err != nil {
		t.Fatalf("StartAndEndDateToTime() error = %v", err)
	}
	if got := e.Sub(s); got != DefaultWindow {
		t.Errorf("window = %v, want %v", got, DefaultWindow)
	}
}

func TestParseStartAndEndDate_InvalidInput(t *testing.T) {
	log, hook := test.NewNullLogger()
	req := httptest.NewRequest(http.MethodGet, "/?start=yesterday&end=2024-07-01T20:30", nil)

	start, end := ParseStartAndEndDate(req, time.UTC, log)
	if end != "2024-07-01 20:30:00" {
		t.Errorf("end = %q", end)
	}
	if _, _, err := StartAndEndDateToTime(start, end); err != nil {
		t.Errorf("StartAndEndDateToTime() error = %v", err)
	}
	if len(hook.Entries) != 1 {
		t.Errorf("logged %d entries, want 1", len(hook.Entries))
	}
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if certificateValid(certPath, keyPath, time.Now()) {
		t.Fatal("missing certificate reported valid")
	}
	if err := EnsureCertificate(certPath, keyPath); err != nil {
		t.Fatalf("EnsureCertificate() error = %v", err)
	}
	if !certificateValid(certPath, keyPath, time.Now()) {
		t.Fatal("generated certificate is not valid")
	}
	if certificateValid(certPath, keyPath, time.Now().Add(2*certificateLifetime)) {
		t.Error("certificate valid after expiry")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		"WARN":    "warning",
		"warning": "warning",
		"error":   "error",
		"":        "info",
		"verbose": "info",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
