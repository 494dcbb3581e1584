package cellrun

// Limiter caps the number of data messages delivered per cell id. Once a cell
// exceeds the cap it gets one more_output marker and nothing further except
// lifecycle messages.
//
// A Limiter is owned by one run goroutine and is not safe for concurrent use.
type Limiter struct {
	limit  int
	counts map[string]int
	capped map[string]bool
}

// NewLimiter creates a limiter. limit <= 0 disables limiting.
func NewLimiter(limit int) *Limiter {
	return &Limiter{
		limit:  limit,
		counts: make(map[string]int),
		capped: make(map[string]bool),
	}
}

// Apply returns the message to deliver in place of msg, and false when msg
// must be dropped.
func (l *Limiter) Apply(msg OutputMessage) (OutputMessage, bool) {
	if l.limit <= 0 || !msg.IsData() {
		return msg, true
	}
	l.counts[msg.ID]++
	if l.counts[msg.ID] <= l.limit {
		return msg, true
	}
	if l.capped[msg.ID] {
		return OutputMessage{}, false
	}
	l.capped[msg.ID] = true
	return OutputMessage{ID: msg.ID, RunID: msg.RunID, MoreOutput: true}, true
}

// Capped reports whether id has hit the cap.
func (l *Limiter) Capped(id string) bool { return l.capped[id] }
