package tripmind

import (
	"math"
	"sync/atomic"
	"time"
)

// statsCollector tracks the size of upstream text replies for the periodic
// stats line.
type statsCollector struct {
	replies    atomic.Uint64
	totalBytes atomic.Uint64
	minBytes   atomic.Uint64
	maxBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(replyBytes int) {
	if replyBytes < 0 {
		replyBytes = 0
	}
	n := uint64(replyBytes)

	s.replies.Add(1)
	s.totalBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Replies  uint64
	Total    uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.replies.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalBytes.Load()
	return statsSnapshot{
		Replies:  count,
		Total:    total,
		MinBytes: s.minBytes.Load(),
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: total / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			args := []any{
				"count", ss.Replies,
				"total", formatBytes(ss.Total),
				"min", formatBytes(ss.MinBytes),
				"avg", formatBytes(ss.AvgBytes),
				"max", formatBytes(ss.MaxBytes),
			}
			if rss, ok := processRSS(); ok {
				args = append(args, "rss", formatBytes(rss))
			}
			s.log.Info("upstream replies", args...)
		}
	}
}
