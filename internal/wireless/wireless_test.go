package wireless

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

// fakeRadio returns statuses from a script, one per Status call, and
// records every association side effect.
type fakeRadio struct {
	script    []Status
	calls     int
	statusErr error

	address    string
	rssi       int
	hostnames  []string
	clears     int
	assocs     int
	assocErr   error
	lastSSID   string
	lastSecret string
}

func (f *fakeRadio) Status(context.Context) (Status, error) {
	if f.statusErr != nil {
		return Connected, f.statusErr
	}
	s := f.script[len(f.script)-1]
	if f.calls < len(f.script) {
		s = f.script[f.calls]
	}
	f.calls++
	return s, nil
}

func (f *fakeRadio) LocalAddress() string              { return f.address }
func (f *fakeRadio) RSSI(context.Context) (int, error) { return f.rssi, nil }
func (f *fakeRadio) SetHostname(name string) error     { f.hostnames = append(f.hostnames, name); return nil }
func (f *fakeRadio) ClearStaticConfig() error          { f.clears++; return nil }
func (f *fakeRadio) BeginAssociation(_ context.Context, ssid, pass string) error {
	f.assocs++
	f.lastSSID, f.lastSecret = ssid, pass
	return f.assocErr
}

var testCfg = Config{SSID: "greenhouse", Password: "s3cret", Hostname: "envnode-porch"}

func TestPoll_DisconnectedIssuesAssociationEveryTick(t *testing.T) {
	t.Parallel()

	r := &fakeRadio{script: []Status{Disconnected}}
	c := New(r, testCfg, slog.Default())
	var st State

	for i := 0; i < 3; i++ {
		status, lost := c.Poll(context.Background(), &st)
		if status != Disconnected {
			t.Fatalf("poll %d: status = %v, want disconnected", i, status)
		}
		if lost {
			t.Fatalf("poll %d: lost = true without ever connecting", i)
		}
	}

	if r.assocs != 3 {
		t.Errorf("association attempts = %d, want 3 (one per disconnected poll)", r.assocs)
	}
	if st.Attempts != 3 {
		t.Errorf("State.Attempts = %d, want 3", st.Attempts)
	}
	if r.clears != 3 {
		t.Errorf("ClearStaticConfig calls = %d, want 3", r.clears)
	}
	if len(r.hostnames) != 3 || r.hostnames[0] != "envnode-porch" {
		t.Errorf("hostnames = %v, want envnode-porch per attempt", r.hostnames)
	}
	if r.lastSSID != "greenhouse" || r.lastSecret != "s3cret" {
		t.Errorf("associated with %q/%q", r.lastSSID, r.lastSecret)
	}
}

func TestPoll_ConnectingDoesNotReassociate(t *testing.T) {
	t.Parallel()

	r := &fakeRadio{script: []Status{Connecting}}
	c := New(r, testCfg, slog.Default())
	var st State

	c.Poll(context.Background(), &st)
	c.Poll(context.Background(), &st)
	if r.assocs != 0 {
		t.Errorf("association attempts while connecting = %d, want 0", r.assocs)
	}
}

func TestPoll_ConnectedRefreshesAddressAndRSSI(t *testing.T) {
	t.Parallel()

	r := &fakeRadio{script: []Status{Connected}, address: "192.0.2.17", rssi: -61}
	c := New(r, testCfg, slog.Default())
	var st State

	status, lost := c.Poll(context.Background(), &st)
	if status != Connected || lost {
		t.Fatalf("Poll = %v, %v; want connected, false", status, lost)
	}
	if st.Address != "192.0.2.17" || st.RSSI != -61 {
		t.Errorf("state = %+v", st)
	}
	if !st.WasConnected {
		t.Error("WasConnected = false after a connected poll")
	}
	if r.assocs != 0 {
		t.Errorf("association attempts while connected = %d", r.assocs)
	}
}

func TestPoll_LostReportedExactlyOnce(t *testing.T) {
	t.Parallel()

	r := &fakeRadio{script: []Status{
		Connected, Connected, Disconnected, Disconnected, Connecting, Disconnected, Connected, Disconnected,
	}, address: "192.0.2.17"}
	c := New(r, testCfg, slog.Default())
	var st State

	var lostAt []int
	for i := range r.script {
		if _, lost := c.Poll(context.Background(), &st); lost {
			lostAt = append(lostAt, i)
		}
	}

	want := []int{2, 7}
	if len(lostAt) != len(want) || lostAt[0] != want[0] || lostAt[1] != want[1] {
		t.Errorf("lost reported at polls %v, want %v", lostAt, want)
	}
}

func TestPoll_StatusErrorTreatedAsDisconnected(t *testing.T) {
	t.Parallel()

	r := &fakeRadio{statusErr: errors.New("netlink: no such device")}
	c := New(r, testCfg, slog.Default())
	var st State

	status, _ := c.Poll(context.Background(), &st)
	if status != Disconnected {
		t.Errorf("status = %v, want disconnected on radio error", status)
	}
	if r.assocs != 1 {
		t.Errorf("association attempts = %d, want 1", r.assocs)
	}
}

func TestPoll_AssociationErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	r := &fakeRadio{script: []Status{Disconnected, Disconnected, Connected}, assocErr: errors.New("busy")}
	c := New(r, testCfg, slog.Default())
	var st State

	c.Poll(context.Background(), &st)
	c.Poll(context.Background(), &st)
	if status, _ := c.Poll(context.Background(), &st); status != Connected {
		t.Errorf("status = %v, want connected after failed requests", status)
	}
	if r.assocs != 2 {
		t.Errorf("association attempts = %d, want 2", r.assocs)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	for s, want := range map[Status]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Status(9):    "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
