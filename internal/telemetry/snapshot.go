// Package telemetry builds the periodic JSON snapshot of sensor
// readings and decides when to publish it.
package telemetry

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/nugget/envnode/internal/sensors"
)

// TimestampFormat is the payload timestamp layout: UTC, whole seconds.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Group is the readings of one sensor kind.
type Group struct {
	Kind       sensors.Kind
	Quantities []sensors.Quantity
}

// Snapshot is one telemetry message.
type Snapshot struct {
	Timestamp time.Time
	Device    string
	Groups    []Group
}

// NewSnapshot builds a snapshot from the Ready slots that hold a
// reading. Other slots are left out.
func NewSnapshot(at time.Time, device string, slots []sensors.Slot) Snapshot {
	s := Snapshot{Timestamp: at, Device: device}
	for _, slot := range slots {
		if slot.State != sensors.Ready || !slot.HasReading {
			continue
		}
		s.Groups = append(s.Groups, Group{Kind: slot.Kind, Quantities: slot.Last.Quantities})
	}
	return s
}

// MarshalJSON writes the snapshot with its keys in a fixed order:
// timestamp, device, then one object per sensor kind in slot order.
//
//	{"timestamp":"2024-03-05T14:02:09Z","device":{"name":"porch"},
//	 "sht4x":{"temperature":{"value":21.4,"unit":"C"}, ...}}
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	if err := writeJSON(&buf, s.Timestamp.UTC().Format(TimestampFormat)); err != nil {
		return nil, err
	}
	buf.WriteString(`,"device":{"name":`)
	if err := writeJSON(&buf, s.Device); err != nil {
		return nil, err
	}
	buf.WriteByte('}')

	for _, g := range s.Groups {
		buf.WriteByte(',')
		if err := writeJSON(&buf, string(g.Kind)); err != nil {
			return nil, err
		}
		buf.WriteString(":{")
		for i, q := range g.Quantities {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(&buf, q.Name); err != nil {
				return nil, err
			}
			buf.WriteByte(':')
			if err := writeJSON(&buf, q); err != nil {
				return nil, err
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
