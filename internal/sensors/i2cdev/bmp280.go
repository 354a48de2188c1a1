package i2cdev

import (
	"context"
	"fmt"
	"math"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"

	"github.com/nugget/envnode/internal/sensors"
)

// KindBMP280 is the Bosch BMP280 barometric pressure sensor.
const KindBMP280 sensors.Kind = "bmp280"

const (
	bmp280DefaultAddr = 0x76

	// SeaLevelPa is the reference pressure for the altitude estimate.
	SeaLevelPa = 101325.0
)

// BMP280 drives a BMP280 (or BME280, whose humidity is ignored) with
// 2x temperature and 16x pressure oversampling and the 16-tap IIR
// filter.
type BMP280 struct {
	bus  i2c.Bus
	addr uint16
	dev  *bmxx80.Dev
}

// NewBMP280 creates a BMP280 driver. No bus traffic happens until Init.
func NewBMP280(bus i2c.Bus, addr uint16) *BMP280 {
	if addr == 0 {
		addr = bmp280DefaultAddr
	}
	return &BMP280{bus: bus, addr: addr}
}

// Init probes the chip ID, loads calibration, and applies sampling
// settings.
func (d *BMP280) Init(ctx context.Context) error {
	if d.dev != nil {
		_ = d.dev.Halt()
		d.dev = nil
	}
	dev, err := bmxx80.NewI2C(d.bus, d.addr, &bmxx80.Opts{
		Temperature: bmxx80.O2x,
		Pressure:    bmxx80.O16x,
		Filter:      bmxx80.F16,
	})
	if err != nil {
		return fmt.Errorf("bmp280 at 0x%02x: %w", d.addr, err)
	}
	d.dev = dev
	return nil
}

// Read senses once and converts to °C, Pa, and an altitude estimate in
// metres.
func (d *BMP280) Read(ctx context.Context) (sensors.Reading, error) {
	if d.dev == nil {
		return sensors.Reading{}, fmt.Errorf("bmp280 not initialized")
	}
	var env physic.Env
	if err := d.dev.Sense(&env); err != nil {
		return sensors.Reading{}, fmt.Errorf("bmp280 sense: %w", err)
	}

	pa := float64(env.Pressure) / float64(physic.Pascal)
	return sensors.Reading{Quantities: []sensors.Quantity{
		{Name: "temperature", Value: celsius(env.Temperature), Unit: "C"},
		{Name: "pressure", Value: pa, Unit: "Pa"},
		{Name: "altitude", Value: Altitude(pa), Unit: "m"},
	}}, nil
}

// Describe lists the quantities Read reports.
func (d *BMP280) Describe() []sensors.Quantity {
	return []sensors.Quantity{
		{Name: "temperature", Unit: "C"},
		{Name: "pressure", Unit: "Pa"},
		{Name: "altitude", Unit: "m"},
	}
}

// Altitude estimates height above sea level in metres from pressure in
// Pa using the international barometric formula.
func Altitude(pa float64) float64 {
	return 44330 * (1 - math.Pow(pa/SeaLevelPa, 0.1903))
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}
