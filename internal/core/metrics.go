package core

import (
	"sync/atomic"
	"time"
)

type metrics struct {
	ops       int64
	startTime time.Time
}

func newMetrics() metrics {
	return metrics{
		ops:       0,
		startTime: time.Now(),
	}
}

func (m *metrics) Op() {
	atomic.AddInt64(&m.ops, 1)
}

func (m *metrics) Ops() int64 {
	return atomic.LoadInt64(&m.ops)
}

// In op/seconds
func (m *metrics) OpRate() float64 {
	delta := time.Now().Sub(m.startTime)

	return float64(atomic.LoadInt64(&m.ops)) / delta.Seconds()
}
