// Package bus is the process-wide publish/subscribe primitive that decouples
// session-state changes from renderers and control inputs.
//
// Dispatch is synchronous: Emit invokes every handler registered for the topic,
// in registration order, before it returns. There is no queuing and no replay;
// a handler registered after an Emit has completed never sees that occurrence.
//
// The handler list is copied at Emit time. Subscribing or unsubscribing while a
// dispatch for the same topic is in flight only affects later emissions.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Topic names an event stream on the bus.
type Topic string

// Topics consumed by the render layer.
const (
	TopicStateUpdate                Topic = "stateUpdate"
	TopicShouldShowUpdate           Topic = "shouldShowUpdate"
	TopicComponentsVisibilityUpdate Topic = "componentsVisibilityUpdate"
	TopicDevicesUpdate              Topic = "devicesUpdate"
	TopicNotice                     Topic = "notice"

	// TopicControlInteraction is produced by the render layer.
	TopicControlInteraction Topic = "controlInteraction"
)

// Internal topics between the stream decoder and the reconciler.
const (
	TopicPlayerStateFrame Topic = "playerStateFrame"
	TopicDeviceStateFrame Topic = "deviceStateFrame"
)

// Handler receives the detail passed to Emit.
type Handler func(detail any)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is safe for use from multiple goroutines. Handlers run on the emitting
// goroutine, outside the bus lock, so they may call On/Emit themselves.
type Bus struct {
	logger *slog.Logger
	debug  atomic.Bool

	mu     sync.Mutex
	nextID uint64
	subs   map[Topic][]subscription
}

// New returns an empty bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Topic][]subscription),
	}
}

// On registers fn for topic and returns a function that removes it.
// The returned function is idempotent.
func (b *Bus) On(topic Topic, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[topic]
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, topic)
		return
	}
	// Replace rather than mutate: in-flight Emit calls hold the old slice.
	b.subs[topic] = next
}

// Emit delivers detail to every handler registered for topic at call time.
func (b *Bus) Emit(topic Topic, detail any) {
	b.mu.Lock()
	snapshot := b.subs[topic]
	b.mu.Unlock()

	b.Debug("emit", string(topic), "handlers", len(snapshot))

	for _, s := range snapshot {
		b.invoke(topic, s.fn, detail)
	}
}

func (b *Bus) invoke(topic Topic, fn Handler, detail any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "topic", string(topic), "panic", fmt.Sprint(r))
		}
	}()
	fn(detail)
}

// Listeners reports how many handlers are registered for topic.
func (b *Bus) Listeners(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// SetDebug toggles Debug output.
func (b *Bus) SetDebug(on bool) { b.debug.Store(on) }

// DebugEnabled reports whether Debug output is enabled.
func (b *Bus) DebugEnabled() bool { return b.debug.Load() }

// Debug logs msg under tag when debugging is enabled.
func (b *Bus) Debug(tag, msg string, args ...any) {
	if !b.debug.Load() {
		return
	}
	b.logger.Debug(msg, append([]any{"tag", tag}, args...)...)
}
