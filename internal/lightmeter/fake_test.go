package lightmeter

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ztkent/opt300x-meter/internal/tools"
	"github.com/ztkent/opt300x-meter/opt300x"
)

const (
	regResult    = 0x00
	regConfig    = 0x01
	regLowLimit  = 0x02
	regHighLimit = 0x03
	regManuf     = 0x7E
	regDevice    = 0x7F

	modeBits = 0b11 << 9
)

// fakeOPT3001 is a register level model of the sensor. Conversions finish
// instantly: a config read in single-shot or continuous mode reports CRF,
// and a completed single-shot conversion returns the device to shutdown.
type fakeOPT3001 struct {
	mu     sync.Mutex
	regs   map[byte]uint16
	writes []uint16
	fail   error
}

func newFakeOPT3001() *fakeOPT3001 {
	return &fakeOPT3001{regs: map[byte]uint16{
		regResult:    0x789A,
		regConfig:    opt300x.OPT300X_CONFIG_DEFAULT,
		regLowLimit:  0x0000,
		regHighLimit: 0xBFFF,
		regManuf:     opt300x.OPT300X_MANUFACTURER_TI,
		regDevice:    opt300x.OPT300X_DEVICE_ID,
	}}
}

func (f *fakeOPT3001) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if addr != opt300x.OPT300X_ADDR {
		return errors.New("nack")
	}
	reg := w[0]
	if len(r) == 0 {
		v := binary.BigEndian.Uint16(w[1:3])
		if reg == regConfig {
			f.writes = append(f.writes, v)
		}
		f.regs[reg] = v
		return nil
	}

	v := f.regs[reg]
	if reg == regConfig {
		mode := v & modeBits
		if mode != 0 {
			v |= opt300x.OPT300X_CONFIG_CRF
		}
		if mode == opt300x.OPT300X_CONFIG_MODE0 {
			f.regs[regConfig] = v &^ modeBits &^ opt300x.OPT300X_CONFIG_CRF
		}
	}
	binary.BigEndian.PutUint16(r, v)
	return nil
}

func (f *fakeOPT3001) reg(reg byte) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[reg]
}

func (f *fakeOPT3001) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeOPT3001) lastConfigWrite() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return 0
	}
	return f.writes[len(f.writes)-1]
}

func newTestMeter(t *testing.T) (*LightMeter, *fakeOPT3001) {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	dbPath := filepath.Join(t.TempDir(), "readings.db")
	db, err := tools.ConnectSqlite(dbPath, log)
	if err != nil {
		t.Fatalf("ConnectSqlite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := newFakeOPT3001()
	m := NewLightMeter(opt300x.NewOPT3001(bus, opt300x.SlaveAddr{}), db, log)
	m.DBPath = dbPath
	m.RecordInterval = 5 * time.Millisecond
	t.Cleanup(func() { m.Close() })
	return m, bus
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
