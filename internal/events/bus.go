package events

import (
	"sync"
	"time"

	"signaged/internal/models"
)

// Type enumerates every lifecycle event the player emits.
type Type string

const (
	LayoutStart       Type = "layoutStart"
	LayoutEnd         Type = "layoutEnd"
	WidgetStart       Type = "widgetStart"
	WidgetEnd         Type = "widgetEnd"
	WidgetCommand     Type = "widgetCommand"
	WidgetAction      Type = "widgetAction"
	ActionTrigger     Type = "action-trigger"
	Fault             Type = "fault"
	MediaCached       Type = "media-cached"
	RequestPreload    Type = "request-next-layout-preload"
	Paused            Type = "paused"
	Resumed           Type = "resumed"
	ScreenshotRequest Type = "screenshot-request"
	CommandRequest    Type = "command"
)

// Event is the single envelope published on the bus. Fields beyond Type are
// populated per event kind; consumers read only what their kind defines.
type Event struct {
	Type      Type
	Timestamp time.Time

	LayoutID int
	RegionID string
	WidgetID int
	MediaID  int

	WidgetType models.WidgetType
	Duration   time.Duration
	EnableStat bool

	Action *models.Action
	Fault  *models.Fault

	FileType models.FileType
	FileID   int

	CommandCode string
}

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine. The player core publishes from its run loop, except for the
// faults that a collection cycle or a screenshot submission publishes from
// its own goroutine.
type Handler func(Event)

// Bus is a typed publish-subscribe dispatcher over the enumerated event set.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	anyAll   []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler invoked for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anyAll = append(b.anyAll, h)
}

// Publish delivers the event to every matching handler, in subscription
// order.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	typed := b.handlers[e.Type]
	all := b.anyAll
	b.mu.RUnlock()

	for _, h := range typed {
		h(e)
	}
	for _, h := range all {
		h(e)
	}
}
