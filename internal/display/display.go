// Package display formats node status for a small text screen.
//
// The package decides what text goes on which row. Pixel geometry and
// fonts belong to the [Screen].
package display

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nugget/envnode/internal/mqtt"
	"github.com/nugget/envnode/internal/sensors"
	"github.com/nugget/envnode/internal/wireless"
)

// Screen is the display boundary.
type Screen interface {
	Clear()
	SetCursor(x, y int)
	SetTextSize(n int)
	Print(s string)
}

// Flusher is implemented by screens that buffer a frame.
type Flusher interface {
	Flush() error
}

// Frame is everything shown on one refresh.
type Frame struct {
	// Battery is the charge in percent, negative when unknown.
	Battery int

	Link    wireless.Status
	Address string
	RSSI    int

	Now         time.Time
	ClockSynced bool

	SessionUp bool
	Session   mqtt.SessionState

	Slots []sensors.Slot
}

const rule = "-------------"

// Lines returns the text rows of f, top to bottom.
func Lines(f Frame) []string {
	var lines []string

	if f.Battery < 0 {
		lines = append(lines, "Battery: --")
	} else {
		lines = append(lines, fmt.Sprintf("Battery: %d%%", f.Battery))
	}

	switch f.Link {
	case wireless.Connected:
		lines = append(lines, fmt.Sprintf("WiFi: %s %ddBm", f.Address, f.RSSI))
	default:
		lines = append(lines, "WiFi: "+f.Link.String())
	}

	if f.ClockSynced {
		lines = append(lines, "Time: "+f.Now.UTC().Format("2006-01-02 15:04:05"))
	} else {
		lines = append(lines, "Time: not synced")
	}

	if f.SessionUp {
		lines = append(lines, "MQTT: connected")
	} else {
		lines = append(lines, fmt.Sprintf("MQTT: %s (%d)", f.Session, int(f.Session)))
	}
	lines = append(lines, "")

	for _, s := range f.Slots {
		lines = append(lines, "-----"+strings.ToUpper(string(s.Kind))+"-----")
		switch {
		case s.State != sensors.Ready:
			lines = append(lines, "Couldn't find "+strings.ToUpper(string(s.Kind)))
		case !s.HasReading:
			lines = append(lines, "Waiting for data")
		default:
			for _, q := range s.Last.Quantities {
				lines = append(lines, quantityLines(q)...)
			}
		}
		lines = append(lines, rule, "")
	}
	return lines
}

func quantityLines(q sensors.Quantity) []string {
	out := []string{fmt.Sprintf("%s: %.2f %s", label(q.Name), q.Value, q.Unit)}
	if q.Name == "pressure" && q.Unit == "Pa" {
		out = append(out, fmt.Sprintf("%s: %.4f atm", label(q.Name), q.Value/101325))
	}
	return out
}

func label(name string) string {
	switch name {
	case "co2":
		return "CO2"
	case "altitude":
		return "Approx altitude"
	}
	r := []rune(name)
	if len(r) == 0 {
		return name
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Render clears s and draws f one row per line.
func Render(s Screen, f Frame) error {
	s.Clear()
	s.SetTextSize(1)
	for row, line := range Lines(f) {
		s.SetCursor(0, row)
		s.Print(line)
	}
	if fl, ok := s.(Flusher); ok {
		return fl.Flush()
	}
	return nil
}
