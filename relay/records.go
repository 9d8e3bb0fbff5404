package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// historyCap bounds the in-memory record of recent relays.
const historyCap = 1000

// TxRecord is one completed relay, kept for the stats endpoint.
type TxRecord struct {
	ID            string    `json:"id"`
	Agent         string    `json:"agent"`
	Target        string    `json:"target"`
	TxHash        string    `json:"txHash"`
	PaymentTxHash string    `json:"paymentTxHash"`
	Tier          string    `json:"tier"`
	Success       bool      `json:"success"`
	Batch         bool      `json:"batch"`
	Timestamp     time.Time `json:"timestamp"`
}

// Counters are process-lifetime relay totals.
type Counters struct {
	Relayed   uint64 `json:"relayed"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Batches   uint64 `json:"batches"`
}

// History keeps the last historyCap relay records in a ring plus running
// counters. Counters are atomics; the ring is mutex-guarded.
type History struct {
	relayed   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	batches   atomic.Uint64

	mu      sync.Mutex
	records []TxRecord
	next    int
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{records: make([]TxRecord, 0, historyCap)}
}

// Record stores rec (stamping its ID and time) and bumps the counters.
func (h *History) Record(rec TxRecord) {
	rec.ID = uuid.NewString()
	rec.Timestamp = time.Now().UTC()

	h.relayed.Add(1)
	if rec.Success {
		h.succeeded.Add(1)
	} else {
		h.failed.Add(1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) < historyCap {
		h.records = append(h.records, rec)
		return
	}
	h.records[h.next] = rec
	h.next = (h.next + 1) % historyCap
}

// RecordBatch bumps the batch counter.
func (h *History) RecordBatch() { h.batches.Add(1) }

// CountersSnapshot returns the running totals.
func (h *History) CountersSnapshot() Counters {
	return Counters{
		Relayed:   h.relayed.Load(),
		Succeeded: h.succeeded.Load(),
		Failed:    h.failed.Load(),
		Batches:   h.batches.Load(),
	}
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []TxRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := len(h.records)
	if total == 0 {
		return nil
	}
	if n <= 0 || n > total {
		n = total
	}
	out := make([]TxRecord, 0, n)
	for i := 0; i < n; i++ {
		// Walk backwards from the most recently written slot. Before the
		// ring wraps, the newest record sits at the end of the slice.
		idx := total - 1 - i
		if total == historyCap {
			idx = ((h.next-1-i)%total + total) % total
		}
		out = append(out, h.records[idx])
	}
	return out
}
