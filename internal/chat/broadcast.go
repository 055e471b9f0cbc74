package chat

import (
	"time"

	"github.com/ledzpl/tcprelay/internal/metrics"
)

var nicknameSeparator = []byte(": ")

// Delivery summarises one Broadcast.
type Delivery struct {
	Delivered int
	Evicted   int
}

// Broadcast writes "<nickname>: <payload>" to every registered connection,
// newest first. Entry locks are handed off one to the next so concurrent
// broadcasts reach every connection in the same relative order. A failed
// write never stops the walk; the failing entry is evicted afterwards.
func (r *Registry) Broadcast(from Handle, nickname, payload []byte) Delivery {
	start := time.Now()
	msg := formatMessage(nickname, payload)
	targets := r.snapshot(from)

	var (
		result Delivery
		failed []*entry
		held   *entry
	)
	for _, e := range targets {
		e.mu.Lock()
		if held != nil {
			held.mu.Unlock()
		}
		held = e

		ok, err := e.deliver(msg)
		switch {
		case err != nil:
			failed = append(failed, e)
			metrics.DeliveriesTotal.WithLabelValues(metrics.StatusError).Inc()
			r.logger.Debug("broadcast write failed", "error", err)
		case ok:
			result.Delivered++
			metrics.DeliveriesTotal.WithLabelValues(metrics.StatusOK).Inc()
		}
	}
	if held != nil {
		held.mu.Unlock()
	}

	for _, e := range failed {
		if r.evict(e) {
			result.Evicted++
		}
	}

	metrics.BroadcastsTotal.Inc()
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	return result
}

// evict removes an entry whose write failed and closes its channel.
func (r *Registry) evict(e *entry) bool {
	if !r.Remove(e.handle) {
		return false
	}
	metrics.EvictionsTotal.Inc()
	if err := e.close(); err != nil {
		r.logger.Debug("close evicted connection", "error", err)
	}
	return true
}

func formatMessage(nickname, payload []byte) []byte {
	msg := make([]byte, 0, len(nickname)+len(nicknameSeparator)+len(payload))
	msg = append(msg, nickname...)
	msg = append(msg, nicknameSeparator...)
	return append(msg, payload...)
}
