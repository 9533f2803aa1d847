package engine

import "time"

// RateWindow is the ordered list of event timestamps for one (actor, kind).
type RateWindow struct {
	events []time.Time
	head   int
}

func NewRateWindow() *RateWindow {
	return &RateWindow{events: make([]time.Time, 0, 16)}
}

func (w *RateWindow) Add(ts time.Time) {
	w.events = append(w.events, ts)
}

// Evict drops every timestamp strictly before cutoff.
func (w *RateWindow) Evict(cutoff time.Time) {
	for w.head < len(w.events) {
		if !w.events[w.head].Before(cutoff) {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]time.Time{}, w.events[w.head:]...)
		w.head = 0
	}
}

func (w *RateWindow) Len() int {
	return len(w.events) - w.head
}

func (w *RateWindow) Last() (time.Time, bool) {
	if w.Len() == 0 {
		return time.Time{}, false
	}
	return w.events[len(w.events)-1], true
}

// PowerHistory is a bounded FIFO of positive readings for one device.
type PowerHistory struct {
	values []float64
	limit  int
}

func NewPowerHistory(limit int) *PowerHistory {
	if limit <= 0 {
		limit = 100
	}
	return &PowerHistory{values: make([]float64, 0, limit), limit: limit}
}

func (h *PowerHistory) Add(v float64) {
	h.values = append(h.values, v)
	if len(h.values) > h.limit {
		copy(h.values, h.values[1:])
		h.values = h.values[:len(h.values)-1]
	}
}

func (h *PowerHistory) Len() int {
	return len(h.values)
}

func (h *PowerHistory) Mean() float64 {
	if len(h.values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h.values {
		sum += v
	}
	return sum / float64(len(h.values))
}
