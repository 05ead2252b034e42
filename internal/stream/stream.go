// Package stream carries chat events from the orchestration loop to the
// transport. The channel is bounded: text deltas are coalesced into
// larger fragments and, under backpressure, the oldest queued delta is
// dropped before anything else gives. Structural events are never
// dropped, and every stream ends with exactly one terminal event.
package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/bindevz/askgate/pkg/models"
)

// Settings tunes one channel.
type Settings struct {
	Capacity         int           // bounded queue size
	CoalesceBytes    int           // flush pending delta text at this size
	CoalesceInterval time.Duration // flush pending delta text at this age
	DropOldestDeltas bool          // drop queued deltas under backpressure
}

// DefaultSettings mirror the server defaults.
var DefaultSettings = Settings{
	Capacity:         64,
	CoalesceBytes:    512,
	CoalesceInterval: 150 * time.Millisecond,
	DropOldestDeltas: true,
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings
	if s.Capacity > 0 {
		d.Capacity = s.Capacity
	}
	if s.CoalesceBytes > 0 {
		d.CoalesceBytes = s.CoalesceBytes
	}
	if s.CoalesceInterval > 0 {
		d.CoalesceInterval = s.CoalesceInterval
	}
	d.DropOldestDeltas = s.DropOldestDeltas
	return d
}

// Channel is a bounded single-consumer event stream. Producers may call
// it from multiple goroutines.
type Channel struct {
	settings Settings
	out      chan models.ChatStreamEvent
	cancel   chan struct{} // closed by Close, aborts the pump
	once     sync.Once

	mu      sync.Mutex
	notFull *sync.Cond
	queue   []models.ChatStreamEvent
	pending strings.Builder // coalesced delta text not yet queued
	flushAt *time.Timer
	done    bool // terminal event queued, channel refuses new events
	closed  bool // consumer went away, discard everything
	dropped int
}

// NewChannel creates a channel and starts its pump. The consumer reads
// Events() until it closes, which happens after the terminal event.
func NewChannel(settings Settings) *Channel {
	c := &Channel{
		settings: settings.withDefaults(),
		out:      make(chan models.ChatStreamEvent),
		cancel:   make(chan struct{}),
	}
	c.notFull = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

// Events is the consumer side.
func (c *Channel) Events() <-chan models.ChatStreamEvent { return c.out }

// Close releases the channel without draining it. A consumer that stops
// reading, typically after a failed client write, must call it so the
// pump and any blocked producers shut down; further events are
// discarded. Safe to call after the stream finished normally.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.done = true
		c.queue = nil
		if c.flushAt != nil {
			c.flushAt.Stop()
			c.flushAt = nil
		}
		c.mu.Unlock()
		close(c.cancel)
		c.notFull.Broadcast()
	})
}

// Dropped reports how many delta events were discarded under
// backpressure.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Delta appends assistant text. It is buffered until the coalescing
// threshold or interval is reached, or until a structural event flushes
// it.
func (c *Channel) Delta(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}

	c.pending.WriteString(text)
	if c.pending.Len() >= c.settings.CoalesceBytes {
		c.flushLocked()
		return
	}
	if c.flushAt == nil {
		c.flushAt = time.AfterFunc(c.settings.CoalesceInterval, c.flushTick)
	}
}

// Publish queues a structural (non-delta, non-terminal) event. Pending
// delta text is flushed first so text never arrives out of order.
func (c *Channel) Publish(ev models.ChatStreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || ev.Terminal() {
		if ev.Terminal() {
			c.finishLocked(ev)
		}
		return
	}
	c.flushLocked()
	c.enqueueLocked(ev)
}

// Finish queues the terminal event and seals the channel. Only the first
// terminal wins; later events of any kind are discarded.
func (c *Channel) Finish(ev models.ChatStreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(ev)
}

func (c *Channel) finishLocked(ev models.ChatStreamEvent) {
	if c.done {
		return
	}
	c.flushLocked()
	c.enqueueLocked(ev)
	c.done = true
}

// flushTick is the coalescing timer callback.
func (c *Channel) flushTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// flushLocked turns pending delta text into one queued delta event.
func (c *Channel) flushLocked() {
	if c.flushAt != nil {
		c.flushAt.Stop()
		c.flushAt = nil
	}
	if c.pending.Len() == 0 {
		return
	}
	text := c.pending.String()
	c.pending.Reset()
	c.enqueueLocked(models.DeltaEvent(text))
}

// enqueueLocked adds one event to the bounded queue. When full it drops
// the oldest queued delta; if nothing is droppable it waits for the
// consumer.
func (c *Channel) enqueueLocked(ev models.ChatStreamEvent) {
	for len(c.queue) >= c.settings.Capacity && !c.closed {
		if c.settings.DropOldestDeltas && c.dropOldestDeltaLocked() {
			continue
		}
		c.notFull.Wait()
	}
	if c.closed {
		return
	}
	c.queue = append(c.queue, ev)
	if len(c.queue) == 1 {
		// Wake the pump via the same condition.
		c.notFull.Broadcast()
	}
}

func (c *Channel) dropOldestDeltaLocked() bool {
	for i, ev := range c.queue {
		if ev.Type == models.EventDelta {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.dropped++
			return true
		}
	}
	return false
}

// pump forwards queued events to the consumer and closes the stream
// after the terminal event, or as soon as the consumer closes the
// channel.
func (c *Channel) pump() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.done {
			c.notFull.Wait()
		}
		if len(c.queue) == 0 || c.closed {
			c.mu.Unlock()
			close(c.out)
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.notFull.Broadcast()
		c.mu.Unlock()

		select {
		case c.out <- ev:
		case <-c.cancel:
			close(c.out)
			return
		}
		if ev.Terminal() {
			close(c.out)
			return
		}
	}
}
