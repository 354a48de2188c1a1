package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// NTPSyncer queries an NTP server in the background. Start never
// blocks; Poll reads the outcome once the query returns.
type NTPSyncer struct {
	server  string
	timeout time.Duration
	query   func(host string, opts ntp.QueryOptions) (*ntp.Response, error)

	mu       sync.Mutex
	progress Progress
	offset   time.Duration
	err      error
	gen      int
}

// NewNTPSyncer creates a syncer for server.
func NewNTPSyncer(server string, timeout time.Duration) *NTPSyncer {
	return &NTPSyncer{
		server:  server,
		timeout: timeout,
		query:   ntp.QueryWithOptions,
	}
}

// Start launches one query. A query still in flight from an earlier
// Start is abandoned; its result is ignored.
func (s *NTPSyncer) Start(ctx context.Context) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.progress = Pending
	s.offset = 0
	s.err = nil
	s.mu.Unlock()

	go func() {
		offset, err := s.run()

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return
		}
		if err != nil {
			s.progress = Failed
			s.err = err
			return
		}
		s.progress = Done
		s.offset = offset
	}()
}

func (s *NTPSyncer) run() (time.Duration, error) {
	resp, err := s.query(s.server, ntp.QueryOptions{Timeout: s.timeout})
	if err != nil {
		return 0, fmt.Errorf("ntp query %s: %w", s.server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp response from %s: %w", s.server, err)
	}
	return resp.ClockOffset, nil
}

// Poll reports the progress of the latest query.
func (s *NTPSyncer) Poll() (Progress, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.offset, s.err
}
