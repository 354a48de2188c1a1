package i2cdev

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/nugget/envnode/internal/sensors"
)

// KindSHT4x is the Sensirion SHT40/41/45 temperature and humidity sensor.
const KindSHT4x sensors.Kind = "sht4x"

const (
	sht4xDefaultAddr = 0x44

	sht4xSoftReset      = 0x94
	sht4xReadSerial     = 0x89
	sht4xMeasureHighRep = 0xFD
)

// SHT4x drives an SHT4x in single-shot high precision mode with the
// heater off.
type SHT4x struct {
	s      sensirion
	Serial uint32
}

// NewSHT4x creates an SHT4x driver. No bus traffic happens until Init.
func NewSHT4x(bus i2c.Bus, addr uint16) *SHT4x {
	if addr == 0 {
		addr = sht4xDefaultAddr
	}
	return &SHT4x{s: sensirion{dev: &i2c.Dev{Bus: bus, Addr: addr}}}
}

// Init soft-resets the part and reads its serial number to prove it is
// present.
func (d *SHT4x) Init(ctx context.Context) error {
	if _, err := d.s.writeByte(ctx, sht4xSoftReset, time.Millisecond, 0); err != nil {
		return fmt.Errorf("sht4x reset: %w", err)
	}
	words, err := d.s.writeByte(ctx, sht4xReadSerial, time.Millisecond, 2)
	if err != nil {
		return fmt.Errorf("sht4x serial: %w", err)
	}
	d.Serial = uint32(words[0])<<16 | uint32(words[1])
	return nil
}

// Read triggers one measurement and converts it.
func (d *SHT4x) Read(ctx context.Context) (sensors.Reading, error) {
	words, err := d.s.writeByte(ctx, sht4xMeasureHighRep, 10*time.Millisecond, 2)
	if err != nil {
		return sensors.Reading{}, fmt.Errorf("sht4x measure: %w", err)
	}

	temp := -45 + 175*float64(words[0])/65535
	rh := -6 + 125*float64(words[1])/65535
	rh = min(max(rh, 0), 100)

	return sensors.Reading{Quantities: []sensors.Quantity{
		{Name: "temperature", Value: temp, Unit: "C"},
		{Name: "humidity", Value: rh, Unit: "%"},
	}}, nil
}

// Describe lists the quantities Read reports.
func (d *SHT4x) Describe() []sensors.Quantity {
	return []sensors.Quantity{
		{Name: "temperature", Unit: "C"},
		{Name: "humidity", Unit: "%"},
	}
}
