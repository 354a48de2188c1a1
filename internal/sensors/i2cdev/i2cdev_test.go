package i2cdev

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/nugget/envnode/internal/sensors"
)

// noSleep disables command execution delays for the duration of a test.
func noSleep(t *testing.T) {
	t.Helper()
	orig := sleep
	sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { sleep = orig })
}

// word encodes v as a Sensirion word followed by its CRC.
func word(v uint16) []byte {
	b := []byte{byte(v >> 8), byte(v)}
	return append(b, crc8(b))
}

func words(vs ...uint16) []byte {
	var out []byte
	for _, v := range vs {
		out = append(out, word(v)...)
	}
	return out
}

func TestCRC8_DatasheetVector(t *testing.T) {
	if got := crc8([]byte{0xBE, 0xEF}); got != 0x92 {
		t.Errorf("crc8(0xBEEF) = 0x%02x, want 0x92", got)
	}
}

func TestNew(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	for _, k := range Kinds {
		d, err := New(k, bus, 0)
		if err != nil {
			t.Errorf("New(%q) error: %v", k, err)
		}
		if _, ok := d.(sensors.Describer); !ok {
			t.Errorf("New(%q) driver does not describe its quantities", k)
		}
	}

	_, err := New("dht22", bus, 0)
	if err == nil || !strings.Contains(err.Error(), "unknown sensor kind") {
		t.Errorf("New(dht22) error = %v, want unknown sensor kind", err)
	}
}

func TestSHT4x_InitAndRead(t *testing.T) {
	noSleep(t)

	// Raw 0x6666 -> -45 + 175*0.4 = 25.0 C; raw 0x8000 -> ~56.5 %RH.
	bus := &i2ctest.Playback{
		DontPanic: true,
		Ops: []i2ctest.IO{
			{Addr: 0x44, W: []byte{sht4xSoftReset}},
			{Addr: 0x44, W: []byte{sht4xReadSerial}},
			{Addr: 0x44, R: words(0x1234, 0x5678)},
			{Addr: 0x44, W: []byte{sht4xMeasureHighRep}},
			{Addr: 0x44, R: words(0x6666, 0x8000)},
		},
	}
	d := NewSHT4x(bus, 0)

	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if d.Serial != 0x12345678 {
		t.Errorf("Serial = 0x%08x, want 0x12345678", d.Serial)
	}

	r, err := d.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	temp, _ := r.Get("temperature")
	if math.Abs(temp.Value-25.0) > 0.01 || temp.Unit != "C" {
		t.Errorf("temperature = %+v, want 25.00 C", temp)
	}
	hum, _ := r.Get("humidity")
	if math.Abs(hum.Value-56.5) > 0.01 || hum.Unit != "%" {
		t.Errorf("humidity = %+v, want ~56.50 %%", hum)
	}

	if err := bus.Close(); err != nil {
		t.Errorf("unconsumed bus operations: %v", err)
	}
}

func TestSHT4x_HumidityClamped(t *testing.T) {
	noSleep(t)

	bus := &i2ctest.Playback{
		DontPanic: true,
		Ops: []i2ctest.IO{
			{Addr: 0x44, W: []byte{sht4xMeasureHighRep}},
			{Addr: 0x44, R: words(0x6666, 0xFFFF)},
		},
	}
	r, err := NewSHT4x(bus, 0).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if hum, _ := r.Get("humidity"); hum.Value != 100 {
		t.Errorf("humidity = %v, want clamped to 100", hum.Value)
	}
}

func TestSHT4x_CRCMismatch(t *testing.T) {
	noSleep(t)

	bad := words(0x6666, 0x8000)
	bad[2] ^= 0xFF
	bus := &i2ctest.Playback{
		DontPanic: true,
		Ops: []i2ctest.IO{
			{Addr: 0x44, W: []byte{sht4xMeasureHighRep}},
			{Addr: 0x44, R: bad},
		},
	}
	_, err := NewSHT4x(bus, 0).Read(context.Background())
	if err == nil || !strings.Contains(err.Error(), "crc") {
		t.Errorf("Read() error = %v, want crc error", err)
	}
}

func TestSHT4x_AbsentDevice(t *testing.T) {
	noSleep(t)

	// An empty playback rejects every transaction, like a bus with
	// nothing at the address.
	bus := &i2ctest.Playback{DontPanic: true}
	if err := NewSHT4x(bus, 0).Init(context.Background()); err == nil {
		t.Error("Init() on empty bus = nil, want error")
	}
}

func TestSCD4x_InitAndRead(t *testing.T) {
	noSleep(t)

	bus := &i2ctest.Playback{
		DontPanic: true,
		Ops: []i2ctest.IO{
			{Addr: 0x62, W: []byte{0x3F, 0x86}},
			{Addr: 0x62, W: []byte{0x36, 0x82}},
			{Addr: 0x62, R: words(0x0001, 0x0002, 0x0003)},
			{Addr: 0x62, W: []byte{0x21, 0xB1}},
			// First read: no data yet.
			{Addr: 0x62, W: []byte{0xE4, 0xB8}},
			{Addr: 0x62, R: words(0x8000)},
			// Second read: data ready.
			{Addr: 0x62, W: []byte{0xE4, 0xB8}},
			{Addr: 0x62, R: words(0x8006)},
			{Addr: 0x62, W: []byte{0xEC, 0x05}},
			{Addr: 0x62, R: words(612, 0x6666, 0x8000)},
		},
	}
	d := NewSCD4x(bus, 0)

	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if d.Serial != 0x000100020003 {
		t.Errorf("Serial = 0x%x, want 0x000100020003", d.Serial)
	}

	if _, err := d.Read(context.Background()); !errors.Is(err, sensors.ErrNoData) {
		t.Fatalf("first Read() error = %v, want ErrNoData", err)
	}

	r, err := d.Read(context.Background())
	if err != nil {
		t.Fatalf("second Read() error: %v", err)
	}
	if co2, _ := r.Get("co2"); co2.Value != 612 || co2.Unit != "ppm" {
		t.Errorf("co2 = %+v, want 612 ppm", co2)
	}
	if temp, _ := r.Get("temperature"); math.Abs(temp.Value-25.0) > 0.01 {
		t.Errorf("temperature = %v, want 25.00", temp.Value)
	}
	if hum, _ := r.Get("humidity"); math.Abs(hum.Value-50.0) > 0.01 {
		t.Errorf("humidity = %v, want ~50.00", hum.Value)
	}

	if err := bus.Close(); err != nil {
		t.Errorf("unconsumed bus operations: %v", err)
	}
}

func TestBMP280_ReadBeforeInit(t *testing.T) {
	d := NewBMP280(&i2ctest.Playback{DontPanic: true}, 0)
	if _, err := d.Read(context.Background()); err == nil {
		t.Error("Read() before Init = nil error")
	}
}

func TestAltitude(t *testing.T) {
	tests := []struct {
		pa   float64
		want float64
	}{
		{SeaLevelPa, 0},
		{89874.6, 1000}, // standard atmosphere at 1 km
	}
	for _, tt := range tests {
		if got := Altitude(tt.pa); math.Abs(got-tt.want) > 5 {
			t.Errorf("Altitude(%v) = %.1f, want ~%v", tt.pa, got, tt.want)
		}
	}
}
