package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/nugget/envnode/internal/sensors"
)

var at = time.Date(2024, 3, 5, 14, 2, 9, 0, time.UTC)

func readySlot(kind sensors.Kind, qs ...sensors.Quantity) sensors.Slot {
	return sensors.Slot{
		Kind:       kind,
		State:      sensors.Ready,
		Last:       sensors.Reading{Quantities: qs},
		HasReading: true,
	}
}

func TestSnapshot_MarshalJSON(t *testing.T) {
	t.Parallel()

	slots := []sensors.Slot{
		readySlot("sht4x",
			sensors.Quantity{Name: "temperature", Value: 21.4, Unit: "C"},
			sensors.Quantity{Name: "humidity", Value: 40.5, Unit: "%"},
		),
		{Kind: "scd4x", State: sensors.Uninitialized},
		readySlot("bmp280",
			sensors.Quantity{Name: "pressure", Value: 101325, Unit: "Pa"},
		),
		{Kind: "sgp40", State: sensors.Ready},
	}

	got, err := NewSnapshot(at, "porch", slots).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"timestamp":"2024-03-05T14:02:09Z","device":{"name":"porch"},` +
		`"sht4x":{"temperature":{"value":21.4,"unit":"C"},"humidity":{"value":40.5,"unit":"%"}},` +
		`"bmp280":{"pressure":{"value":101325,"unit":"Pa"}}}`
	if string(got) != want {
		t.Errorf("payload:\n got %s\nwant %s", got, want)
	}
}

func TestSnapshot_TimestampIsUTCWholeSeconds(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CET", 3600)
	local := time.Date(2024, 3, 5, 15, 2, 9, 987_000_000, loc)

	got, err := NewSnapshot(local, "n", nil).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"timestamp":"2024-03-05T14:02:09Z","device":{"name":"n"}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSnapshot_EscapesNames(t *testing.T) {
	t.Parallel()

	got, err := NewSnapshot(at, `lab "b"`, nil).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"timestamp":"2024-03-05T14:02:09Z","device":{"name":"lab \"b\""}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

type fakeSender struct {
	err      error
	payloads [][]byte
}

func (f *fakeSender) Publish(_ context.Context, payload []byte) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

func TestMaybePublish(t *testing.T) {
	t.Parallel()

	ok := Preconditions{
		SessionConnected: true,
		ClockSynced:      true,
		Slots:            []sensors.Slot{readySlot("sht4x", sensors.Quantity{Name: "temperature", Value: 20, Unit: "C"})},
	}
	noSlots := ok
	noSlots.Slots = []sensors.Slot{{Kind: "sht4x", State: sensors.Uninitialized}}
	warmingUp := ok
	warmingUp.Slots = []sensors.Slot{{Kind: "scd4x", State: sensors.Ready}}
	noSession := ok
	noSession.SessionConnected = false
	noClock := ok
	noClock.ClockSynced = false

	tests := []struct {
		name       string
		tick       uint64
		pre        Preconditions
		sendErr    error
		want       Outcome
		wantReason string
		wantSends  int
	}{
		{"window open", 10, ok, nil, Published, "", 1},
		{"tick zero is a window", 0, ok, nil, Published, "", 1},
		{"off window", 11, ok, nil, Skipped, ReasonOffWindow, 0},
		{"no session", 20, noSession, nil, Skipped, ReasonNoSession, 0},
		{"clock not synced", 20, noClock, nil, Skipped, ReasonClockNotSync, 0},
		{"no ready sensors", 20, noSlots, nil, Skipped, ReasonNoSensors, 0},
		{"ready sensor without a first sample", 20, warmingUp, nil, Skipped, ReasonNoSensors, 0},
		{"send fails", 30, ok, errors.New("broken pipe"), Failed, "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &fakeSender{err: tt.sendErr}
			p := NewPublisher(s, 10, "porch", func() time.Time { return at }, slog.Default())

			r := p.MaybePublish(context.Background(), tt.tick, tt.pre)
			if r.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v", r.Outcome, tt.want)
			}
			if r.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", r.Reason, tt.wantReason)
			}
			if len(s.payloads) != tt.wantSends {
				t.Errorf("sends = %d, want %d", len(s.payloads), tt.wantSends)
			}
			if tt.want == Failed && r.Err == nil {
				t.Error("Failed result without error")
			}
		})
	}
}

func TestMaybePublish_NoRetryAfterFailure(t *testing.T) {
	t.Parallel()

	s := &fakeSender{err: errors.New("timeout")}
	p := NewPublisher(s, 5, "porch", func() time.Time { return at }, nil)
	pre := Preconditions{
		SessionConnected: true,
		ClockSynced:      true,
		Slots:            []sensors.Slot{readySlot("sht4x", sensors.Quantity{Name: "humidity", Value: 50, Unit: "%"})},
	}

	for tick := uint64(5); tick < 10; tick++ {
		p.MaybePublish(context.Background(), tick, pre)
	}
	if len(s.payloads) != 1 {
		t.Errorf("sends = %d across one window, want 1", len(s.payloads))
	}
}

func TestMaybePublish_EncodeFailure(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	p := NewPublisher(s, 1, "porch", func() time.Time { return at }, nil)
	pre := Preconditions{
		SessionConnected: true,
		ClockSynced:      true,
		Slots:            []sensors.Slot{readySlot("bmp280", sensors.Quantity{Name: "altitude", Value: math.NaN(), Unit: "m"})},
	}

	r := p.MaybePublish(context.Background(), 1, pre)
	if r.Outcome != Failed || r.Err == nil {
		t.Errorf("result = %+v, want Failed with error", r)
	}
	if len(s.payloads) != 0 {
		t.Error("invalid payload was sent")
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	for o, want := range map[Outcome]string{Skipped: "skipped", Published: "published", Failed: "failed"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}
