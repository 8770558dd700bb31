package roomio

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time copy of the server counters
type Stats struct {
	TotalConnections  int64         `json:"total_connections"`
	ActiveConnections int64         `json:"active_connections"`
	FailedConnections int64         `json:"failed_connections"`
	PeakConnections   int64         `json:"peak_connections"`
	MessagesReceived  int64         `json:"messages_received"`
	MessagesSent      int64         `json:"messages_sent"`
	BytesReceived     int64         `json:"bytes_received"`
	BytesSent         int64         `json:"bytes_sent"`
	Uptime            time.Duration `json:"uptime"`
}

type counters struct {
	started  time.Time
	total    atomic.Int64
	active   atomic.Int64
	failed   atomic.Int64
	peak     atomic.Int64
	msgsIn   atomic.Int64
	msgsOut  atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newCounters() *counters {
	return &counters{started: time.Now()}
}

func (c *counters) connected() {
	c.total.Add(1)
	n := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (c *counters) disconnected() {
	c.active.Add(-1)
}

func (c *counters) refused() {
	c.failed.Add(1)
}

func (c *counters) received(n int) {
	c.msgsIn.Add(1)
	c.bytesIn.Add(int64(n))
}

func (c *counters) sent(messages, bytes int) {
	c.msgsOut.Add(int64(messages))
	c.bytesOut.Add(int64(messages) * int64(bytes))
}

func (c *counters) snapshot() Stats {
	return Stats{
		TotalConnections:  c.total.Load(),
		ActiveConnections: c.active.Load(),
		FailedConnections: c.failed.Load(),
		PeakConnections:   c.peak.Load(),
		MessagesReceived:  c.msgsIn.Load(),
		MessagesSent:      c.msgsOut.Load(),
		BytesReceived:     c.bytesIn.Load(),
		BytesSent:         c.bytesOut.Load(),
		Uptime:            time.Since(c.started),
	}
}
