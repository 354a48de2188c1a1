// Package power reads the power button and battery gauge and puts the
// node into its halt state.
package power

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Button is the power button.
type Button interface {
	Pressed() bool
}

// NoButton is a [Button] that is never pressed.
type NoButton struct{}

// Pressed always returns false.
func (NoButton) Pressed() bool { return false }

// GPIOButton is a momentary button wired between a GPIO and ground.
type GPIOButton struct {
	pin gpio.PinIO
}

// OpenGPIOButton configures the named pin as a pulled-up input.
func OpenGPIOButton(name string) (*GPIOButton, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	return newGPIOButton(p)
}

func newGPIOButton(p gpio.PinIO) (*GPIOButton, error) {
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("configure %s as input: %w", p.Name(), err)
	}
	return &GPIOButton{pin: p}, nil
}

// Pressed reports whether the button is held. The line is active low.
func (b *GPIOButton) Pressed() bool {
	return b.pin.Read() == gpio.Low
}

// Halter puts the node into its terminal low-power state.
type Halter interface {
	Halt() error
}

// PowerOffHalter syncs filesystems and powers the board off. Requires
// CAP_SYS_BOOT.
type PowerOffHalter struct{}

// Halt powers off. It only returns on failure.
func (PowerOffHalter) Halt() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}

// ProcessHalter leaves the halt to the caller, which exits the process.
// Used when the node runs as an unprivileged service.
type ProcessHalter struct{}

// Halt does nothing.
func (ProcessHalter) Halt() error { return nil }

// ErrNoBattery is returned by [Battery.Level] when no gauge is present.
var ErrNoBattery = errors.New("no battery gauge")

// Battery reports the remaining charge.
type Battery interface {
	// Level returns the charge in percent.
	Level() (int, error)
}

// NoBattery is a [Battery] for mains-powered nodes.
type NoBattery struct{}

// Level always returns ErrNoBattery.
func (NoBattery) Level() (int, error) { return 0, ErrNoBattery }

// SysfsBattery reads a power_supply capacity attribute.
type SysfsBattery struct {
	path string
}

// NewSysfsBattery reads /sys/class/power_supply/<name>/capacity.
func NewSysfsBattery(name string) *SysfsBattery {
	return newSysfsBattery("/sys/class/power_supply", name)
}

func newSysfsBattery(root, name string) *SysfsBattery {
	return &SysfsBattery{path: filepath.Join(root, name, "capacity")}
}

// Level returns the capacity clamped to 0-100.
func (b *SysfsBattery) Level() (int, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoBattery
		}
		return 0, fmt.Errorf("read battery capacity: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse battery capacity %q: %w", strings.TrimSpace(string(data)), err)
	}
	return max(0, min(100, n)), nil
}
