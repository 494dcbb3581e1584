package cellrun

import (
	"maps"
	"strings"
	"time"
)

// Default coalescing thresholds.
const (
	DefaultCoalesceInterval = 100 * time.Millisecond
	DefaultCoalesceMaxBytes = 64 * 1024
)

// CoalesceConfig bounds how long and how large a coalescing buffer may grow.
type CoalesceConfig struct {
	// Interval is the longest time a buffer stays open before it is flushed.
	Interval time.Duration

	// MaxBytes flushes the buffer once its text reaches this size.
	MaxBytes int
}

func (c *CoalesceConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultCoalesceInterval
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultCoalesceMaxBytes
	}
}

// Coalescer merges consecutive stream fragments that share a cell id and a
// stream name. The first fragment of every cell bypasses the buffer so the
// first output reaches the consumer without delay.
//
// A Coalescer is owned by one run goroutine and is not safe for concurrent use.
type Coalescer struct {
	cfg      CoalesceConfig
	now      func() time.Time
	fastLane map[string]bool

	pending  *OutputMessage
	name     string
	text     strings.Builder
	openedAt time.Time
}

// NewCoalescer creates a Coalescer. Zero config fields take defaults.
func NewCoalescer(cfg CoalesceConfig) *Coalescer {
	cfg.applyDefaults()
	return &Coalescer{
		cfg:      cfg,
		now:      time.Now,
		fastLane: make(map[string]bool),
	}
}

// Push accepts the next message and returns the messages ready for delivery,
// in order.
func (c *Coalescer) Push(msg OutputMessage) []OutputMessage {
	var out []OutputMessage
	name, ok := msg.StreamName()
	if !ok {
		out = c.flushInto(out)
		return append(out, msg)
	}
	if c.pending != nil && (c.pending.ID != msg.ID || c.name != name) {
		out = c.flushInto(out)
	}
	if c.pending == nil && !c.fastLane[msg.ID] {
		c.fastLane[msg.ID] = true
		return append(out, msg)
	}
	if c.pending == nil {
		open := msg
		open.Content = maps.Clone(msg.Content)
		c.pending = &open
		c.name = name
		c.openedAt = c.now()
	}
	c.text.WriteString(msg.StreamText())
	if c.text.Len() >= c.cfg.MaxBytes {
		out = c.flushInto(out)
	}
	return out
}

// Due reports whether the open buffer has exceeded its time budget.
func (c *Coalescer) Due(now time.Time) bool {
	return c.pending != nil && now.Sub(c.openedAt) >= c.cfg.Interval
}

// Flush returns the buffered fragment, if any.
func (c *Coalescer) Flush() []OutputMessage {
	return c.flushInto(nil)
}

func (c *Coalescer) flushInto(out []OutputMessage) []OutputMessage {
	if c.pending == nil {
		return out
	}
	msg := *c.pending
	msg.Content["text"] = c.text.String()
	c.pending = nil
	c.name = ""
	c.text.Reset()
	return append(out, msg)
}
