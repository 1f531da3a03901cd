package server

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
)

// Census logs one line per live room and returns the number of rooms seen.
func (s *Server) Census() int {
	stats := s.registry.Stats()
	var peers int
	for _, st := range stats {
		peers += st.Peers
		s.logger.Info("room census",
			"room", st.Name,
			"peers", st.Peers,
			"shapes", humanize.Comma(int64(st.Shapes)),
			"tombstones", humanize.Comma(int64(st.Tombstones)),
			"presence", st.Presence,
			"created", humanize.Time(time.Now().Add(-st.Age)),
		)
	}
	s.logger.Info("census complete", "rooms", len(stats), "peers", peers, "connections", s.Connections())
	return len(stats)
}

// RunCensus calls Census on every tick of the cron expression until ctx is done.
func (s *Server) RunCensus(ctx context.Context, cronExpr string) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid census cron expression: %q", cronExpr)
	}
	s.logger.Info("census scheduled", "cron", cronExpr)
	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			return fmt.Errorf("failed to compute next census tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
			s.Census()
		}
	}
}
