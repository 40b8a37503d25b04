package notify

// queue is a FIFO with an optional bound. When full, the oldest entry is
// discarded to make room. A zero limit means unbounded.
type queue struct {
	items []Notification
	limit int
}

func newQueue(limit int) *queue {
	return &queue{limit: limit}
}

// push appends n and reports whether an older entry was dropped.
func (q *queue) push(n Notification) bool {
	q.items = append(q.items, n)
	return q.trim() > 0
}

// pushFront prepends items, keeping their order, and returns how many of
// the oldest entries were dropped to respect the bound.
func (q *queue) pushFront(items []Notification) int {
	merged := make([]Notification, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	return q.trim()
}

func (q *queue) trim() int {
	if q.limit <= 0 || len(q.items) <= q.limit {
		return 0
	}
	excess := len(q.items) - q.limit
	kept := make([]Notification, q.limit)
	copy(kept, q.items[excess:])
	q.items = kept
	return excess
}

func (q *queue) drain() []Notification {
	out := q.items
	q.items = nil
	return out
}

func (q *queue) snapshot() []Notification {
	out := make([]Notification, len(q.items))
	copy(out, q.items)
	return out
}

func (q *queue) len() int {
	return len(q.items)
}
