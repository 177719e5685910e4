// Package queue is the bounded FIFO between ingestion and the single
// consumer. Producers never block: at capacity, Submit drops with a warning
// and a counter bump. A dead-letter queue holds trades whose processing
// failed terminally.
package queue

import (
	"log/slog"
	"sync/atomic"

	"polymarket-sentinel/pkg/types"
)

// Queue is the bounded trade buffer.
type Queue struct {
	items       chan types.Trade
	dlq         chan types.Trade
	capacity    int
	pressurePct float64

	dropped    atomic.Int64
	dlqDropped atomic.Int64

	logger *slog.Logger
}

// New builds a queue with the given capacity, dead-letter capacity and
// pressure ratio (depth/capacity at which producers should back off).
func New(capacity, dlqCapacity int, pressurePct float64, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if dlqCapacity <= 0 {
		dlqCapacity = 100
	}
	if pressurePct <= 0 || pressurePct > 1 {
		pressurePct = 0.8
	}
	return &Queue{
		items:       make(chan types.Trade, capacity),
		dlq:         make(chan types.Trade, dlqCapacity),
		capacity:    capacity,
		pressurePct: pressurePct,
		logger:      logger.With("component", "queue"),
	}
}

// Submit enqueues a trade without blocking. A full queue drops the trade,
// logs a warning and reports false; the producer moves on.
func (q *Queue) Submit(t types.Trade) bool {
	select {
	case q.items <- t:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("queue full, trade dropped",
			"trade", t.ID, "market", t.MarketID, "depth", len(q.items))
		return false
	}
}

// Items is the consumer's receive side. A single consumer preserves
// submit order.
func (q *Queue) Items() <-chan types.Trade { return q.items }

// Depth is the current number of buffered trades.
func (q *Queue) Depth() int { return len(q.items) }

// IsUnderPressure reports whether depth has reached the pressure ratio of
// capacity. The pull poller skips cycles while this holds.
func (q *Queue) IsUnderPressure() bool {
	return float64(len(q.items)) >= q.pressurePct*float64(q.capacity)
}

// Dropped is the count of trades rejected at capacity.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// DeadLetter parks a terminally failed trade for inspection. A full DLQ
// drops the oldest information and only counts.
func (q *Queue) DeadLetter(t types.Trade, cause error) {
	select {
	case q.dlq <- t:
		q.logger.Error("trade dead-lettered", "trade", t.ID, "market", t.MarketID, "cause", cause)
	default:
		q.dlqDropped.Add(1)
		q.logger.Error("dead-letter queue full, trade discarded", "trade", t.ID, "cause", cause)
	}
}

// DLQDepth is the number of parked trades.
func (q *Queue) DLQDepth() int { return len(q.dlq) }

// DrainDeadLetters empties the DLQ, returning its contents for offline
// inspection.
func (q *Queue) DrainDeadLetters() []types.Trade {
	var out []types.Trade
	for {
		select {
		case t := <-q.dlq:
			out = append(out, t)
		default:
			return out
		}
	}
}
