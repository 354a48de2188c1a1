package i2cdev

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"

	"github.com/nugget/envnode/internal/sensors"
)

// KindSCD4x is the Sensirion SCD40/41 photoacoustic CO2 sensor.
const KindSCD4x sensors.Kind = "scd4x"

const (
	scd4xDefaultAddr = 0x62

	scd4xStartPeriodic = 0x21B1
	scd4xStopPeriodic  = 0x3F86
	scd4xReadMeasure   = 0xEC05
	scd4xDataReady     = 0xE4B8
	scd4xGetSerial     = 0x3682
)

// SCD4x drives an SCD4x in periodic measurement mode (one sample every
// 5 s). Between samples Read returns [sensors.ErrNoData].
type SCD4x struct {
	s      sensirion
	Serial uint64
}

// NewSCD4x creates an SCD4x driver. No bus traffic happens until Init.
func NewSCD4x(bus i2c.Bus, addr uint16) *SCD4x {
	if addr == 0 {
		addr = scd4xDefaultAddr
	}
	return &SCD4x{s: sensirion{dev: &i2c.Dev{Bus: bus, Addr: addr}}}
}

// Init stops any measurement left running from a previous process,
// reads the serial number, and starts periodic measurement.
func (d *SCD4x) Init(ctx context.Context) error {
	if _, err := d.s.command(ctx, scd4xStopPeriodic, 500*time.Millisecond, 0); err != nil {
		return fmt.Errorf("scd4x stop: %w", err)
	}
	words, err := d.s.command(ctx, scd4xGetSerial, time.Millisecond, 3)
	if err != nil {
		return fmt.Errorf("scd4x serial: %w", err)
	}
	d.Serial = uint64(words[0])<<32 | uint64(words[1])<<16 | uint64(words[2])

	if _, err := d.s.command(ctx, scd4xStartPeriodic, 0, 0); err != nil {
		return fmt.Errorf("scd4x start: %w", err)
	}
	return nil
}

// Read returns the latest sample, or [sensors.ErrNoData] if the sensor
// has not produced a new one since the last Read.
func (d *SCD4x) Read(ctx context.Context) (sensors.Reading, error) {
	ready, err := d.s.command(ctx, scd4xDataReady, time.Millisecond, 1)
	if err != nil {
		return sensors.Reading{}, fmt.Errorf("scd4x data ready: %w", err)
	}
	if ready[0]&0x07FF == 0 {
		return sensors.Reading{}, sensors.ErrNoData
	}

	words, err := d.s.command(ctx, scd4xReadMeasure, time.Millisecond, 3)
	if err != nil {
		return sensors.Reading{}, fmt.Errorf("scd4x measure: %w", err)
	}

	return sensors.Reading{Quantities: []sensors.Quantity{
		{Name: "co2", Value: float64(words[0]), Unit: "ppm"},
		{Name: "temperature", Value: -45 + 175*float64(words[1])/65535, Unit: "C"},
		{Name: "humidity", Value: 100 * float64(words[2]) / 65535, Unit: "%"},
	}}, nil
}

// Describe lists the quantities Read reports.
func (d *SCD4x) Describe() []sensors.Quantity {
	return []sensors.Quantity{
		{Name: "co2", Unit: "ppm"},
		{Name: "temperature", Unit: "C"},
		{Name: "humidity", Unit: "%"},
	}
}
