package core

import (
	"context"
	"io"
	"sync"
	"time"

	"signaged/internal/cache"
	"signaged/internal/config"
	"signaged/internal/download"
	"signaged/internal/events"
	"signaged/internal/logger"
	"signaged/internal/metrics"
	"signaged/internal/models"
	"signaged/internal/renderer"
	"signaged/internal/sched"
	"signaged/internal/stats"
	"signaged/internal/store"
	"signaged/internal/xmds"
)

// Player is the orchestrator: it drives the collection cycle, routes
// lifecycle events between components and owns the run loop every state
// mutation serializes through.
type Player struct {
	cfg    *config.Config
	logger logger.Logger
	bus    *events.Bus

	store     *store.Store
	cache     *cache.Manager
	downloads *download.Manager
	scheduler *sched.Scheduler
	renderer  *renderer.Renderer
	cms       *xmds.Client
	stats     *stats.Collector
	faults    *stats.Reporter
	metrics   *metrics.Metrics

	tasks chan func()
	clock renderer.Clock

	// collectMu keeps collection cycles from overlapping (ticker vs
	// push-driven collectNow).
	collectMu       sync.Mutex
	settings        xmds.DisplaySettings
	lastRf          string
	lastSchedule    string
	lastCommandScan time.Time

	// playback state
	currentRef      sched.LayoutRef
	pendingRef      *sched.LayoutRef
	layoutStartedAt time.Time
	layoutOverride  int // XMR changeLayout, cleared by revertToSchedule
	overlayOverride []int
	rendering       bool // reentrancy guard around renderLayout

	collectTicker *time.Ticker
}

// Deps bundles the collaborators the player orchestrates.
type Deps struct {
	Config    *config.Config
	Logger    logger.Logger
	Bus       *events.Bus
	Store     *store.Store
	Cache     *cache.Manager
	Downloads *download.Manager
	Scheduler *sched.Scheduler
	CMS       *xmds.Client
	Surface   renderer.Surface
	Stats     *stats.Collector
	Faults    *stats.Reporter
	Metrics   *metrics.Metrics
	Clock     renderer.Clock
}

// New wires the player together. The renderer is constructed here because
// its resolver and dispatch close over the player.
func New(d Deps) *Player {
	p := &Player{
		cfg:       d.Config,
		logger:    d.Logger,
		bus:       d.Bus,
		store:     d.Store,
		cache:     d.Cache,
		downloads: d.Downloads,
		scheduler: d.Scheduler,
		cms:       d.CMS,
		stats:     d.Stats,
		faults:    d.Faults,
		metrics:   d.Metrics,
		clock:     d.Clock,
		tasks:     make(chan func(), 256),
	}
	if p.clock == nil {
		p.clock = renderer.RealClock{}
	}
	p.renderer = renderer.New(d.Surface, &mediaResolver{p: p}, p.bus, p.logger.Named("renderer"), p.clock, p.Dispatch)
	p.subscribe()
	return p
}

// Renderer exposes the layout runtime (platform shells and tests use it).
func (p *Player) Renderer() *renderer.Renderer { return p.renderer }

// Dispatch serializes f onto the player run loop. Completion callbacks from
// every async source (downloads, timers, surface readiness, push messages)
// come through here, which is what keeps the playback state single-threaded.
func (p *Player) Dispatch(f func()) {
	select {
	case p.tasks <- f:
	default:
		// The loop is saturated; run the task inline rather than drop it.
		p.logger.Warnf("Run loop queue is full, executing task inline")
		f()
	}
}

// Run drives the player until the context is cancelled. Collection cycles
// run off-loop (they do network I/O); everything that touches playback
// state comes back through the task queue.
func (p *Player) Run(ctx context.Context) error {
	p.restoreState()

	interval := time.Minute
	if p.settings.CollectInterval > 0 {
		interval = p.settings.CollectInterval
	}
	p.collectTicker = time.NewTicker(interval)
	defer p.collectTicker.Stop()

	// With a restored schedule, cached content goes on screen immediately
	// instead of waiting for the CMS to answer.
	if p.scheduler.Schedule() != nil {
		p.Dispatch(func() { p.evaluateSchedule(false) })
	}
	go p.collect()

	for {
		select {
		case <-ctx.Done():
			p.renderer.StopCurrentLayout()
			return ctx.Err()
		case f := <-p.tasks:
			f()
		case <-p.collectTicker.C:
			go p.collect()
		}
	}
}

// subscribe installs the event routing table.
func (p *Player) subscribe() {
	p.bus.Subscribe(events.LayoutStart, func(e events.Event) {
		p.stats.BeginLayout(e.LayoutID)
		p.metrics.LayoutsShown.Inc()
		p.layoutStartedAt = p.clock.Now()
	})

	p.bus.Subscribe(events.LayoutEnd, func(e events.Event) {
		p.stats.EndLayout(e.LayoutID)
		// Recording at end, not start: an interrupted layout must not
		// consume its hourly quota.
		p.scheduler.RecordPlay(e.LayoutID)
		if p.currentRef.Interrupt && p.currentRef.LayoutID == e.LayoutID {
			p.scheduler.RecordInterruptShown(p.currentRef.EventID, p.clock.Now().Sub(p.layoutStartedAt))
		}
		p.Dispatch(p.advance)
	})

	p.bus.Subscribe(events.WidgetStart, func(e events.Event) {
		p.metrics.WidgetPlays.Inc()
		p.stats.BeginWidget(e.LayoutID, e.WidgetID, e.EnableStat)
	})
	p.bus.Subscribe(events.WidgetEnd, func(e events.Event) {
		p.stats.EndWidget(e.LayoutID, e.WidgetID, e.EnableStat)
	})

	p.bus.Subscribe(events.Fault, func(e events.Event) {
		if e.Fault != nil {
			p.metrics.Faults.WithLabelValues(string(e.Fault.Type)).Inc()
			p.faults.ReportFault(*e.Fault)
		}
	})

	p.bus.Subscribe(events.RequestPreload, func(e events.Event) {
		p.Dispatch(p.preloadNext)
	})

	p.bus.Subscribe(events.ActionTrigger, func(e events.Event) {
		if e.Action != nil {
			action := *e.Action
			p.Dispatch(func() { p.handleAction(action) })
		}
	})
}

// publishFault routes a fault through the bus so the reporter, metrics and
// any platform listeners all see it.
func (p *Player) publishFault(f models.Fault) {
	p.bus.Publish(events.Event{Type: events.Fault, LayoutID: f.LayoutID, Fault: &f})
}

// advance moves to whatever must show after a layout completed: the pending
// layout if one is queued, else the scheduler's current nomination (which
// may be a replay of the same layout).
func (p *Player) advance() {
	if p.pendingRef != nil {
		ref := *p.pendingRef
		p.pendingRef = nil
		p.renderRef(ref)
		return
	}
	p.evaluateSchedule(true)
}

// evaluateSchedule asks the scheduler what should be showing and applies
// the swap policy: a nomination differing from the current layout becomes
// pending and lands at the next cycle boundary, never mid-widget. atBoundary
// marks calls made from a layoutEnd, where the swap applies immediately.
func (p *Player) evaluateSchedule(atBoundary bool) {
	var ref sched.LayoutRef
	if p.layoutOverride != 0 {
		ref = sched.LayoutRef{LayoutID: p.layoutOverride}
	} else {
		result := p.scheduler.Select()
		if result.NoContent {
			p.publishFault(models.Fault{
				Type:    models.FaultNoContent,
				Message: "no layout is scheduled and no default layout exists",
				Context: "scheduler",
			})
			p.renderer.StopCurrentLayout()
			p.currentRef = sched.LayoutRef{}
			return
		}
		ref = result.Foreground
		p.applyOverlays(result.Overlays)
	}

	if p.renderer.CurrentLayoutID() == 0 || atBoundary {
		p.renderRef(ref)
		return
	}
	if ref.LayoutID != p.currentRef.LayoutID {
		p.pendingRef = &ref
	}
}

// renderRef makes one nominated layout hot. A layout that fails to render
// publishes a layoutError fault and the schedule's default layout is
// rendered in its place; the failed layout is not excluded from later
// scheduler selections.
func (p *Player) renderRef(ref sched.LayoutRef) {
	if p.rendering {
		return // collection cycle overlapped a push-driven change
	}
	p.rendering = true
	defer func() { p.rendering = false }()

	xlfData, err := p.layoutXLF(ref.LayoutID)
	if err != nil {
		p.cache.Prioritize(models.FileKey{Type: models.FileLayout, ID: ref.LayoutID})
		p.publishFault(models.Fault{
			Type:     models.FaultCacheMiss,
			Message:  err.Error(),
			Context:  "layout-xlf",
			LayoutID: ref.LayoutID,
		})
		return
	}

	if err := p.renderer.RenderLayout(ref.LayoutID, xlfData); err != nil {
		p.publishFault(models.Fault{
			Type:     models.FaultLayoutError,
			Message:  err.Error(),
			Context:  "render",
			LayoutID: ref.LayoutID,
		})
		// Fall back past the broken layout.
		if def := p.scheduler.Schedule(); def != nil && def.DefaultLayoutID != 0 && def.DefaultLayoutID != ref.LayoutID {
			p.renderRefFallback(def.DefaultLayoutID)
		}
		return
	}
	p.currentRef = ref
}

func (p *Player) renderRefFallback(layoutID int) {
	xlfData, err := p.layoutXLF(layoutID)
	if err != nil {
		return
	}
	if err := p.renderer.RenderLayout(layoutID, xlfData); err == nil {
		p.currentRef = sched.LayoutRef{LayoutID: layoutID}
	}
}

// preloadNext peeks the scheduler and warms the pool with the layout that
// will follow the current one. Idempotent: a pool hit is a no-op.
func (p *Player) preloadNext() {
	next := p.currentRef
	if p.pendingRef != nil {
		next = *p.pendingRef
	} else {
		next = p.scheduler.PeekNext(p.currentRef.LayoutID)
	}
	if next.LayoutID == 0 || next.LayoutID == p.renderer.CurrentLayoutID() {
		return
	}
	if p.renderer.HasPreloaded(next.LayoutID) {
		return
	}
	xlfData, err := p.layoutXLF(next.LayoutID)
	if err != nil {
		return // not cached yet; the 90% retry will try again
	}
	if err := p.renderer.PreloadLayout(next.LayoutID, xlfData); err != nil {
		p.logger.Warnf("Preload of layout %d failed: %v", next.LayoutID, err)
	}
}

// applyOverlays reconciles the overlay layer with the scheduler's overlay
// nominations (or the push override when one is active).
func (p *Player) applyOverlays(refs []sched.LayoutRef) {
	ids := make([]int, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.LayoutID)
	}
	ids = append(ids, p.overlayOverride...)

	inputs := make([]renderer.OverlayInput, 0, len(ids))
	for _, id := range ids {
		xlfData, err := p.layoutXLF(id)
		if err != nil {
			continue
		}
		inputs = append(inputs, renderer.OverlayInput{LayoutID: id, XLF: xlfData})
	}
	if err := p.renderer.SetOverlays(inputs); err != nil {
		p.logger.Warnf("Overlay reconcile failed: %v", err)
	}
}

// layoutXLF reads a layout document from the blob store.
func (p *Player) layoutXLF(layoutID int) ([]byte, error) {
	key := models.FileKey{Type: models.FileLayout, ID: layoutID}
	if _, err := p.cache.GetFile(key); err != nil {
		return nil, err
	}
	f, err := p.store.OpenBlob(key)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleAction routes one triggered interactive action.
func (p *Player) handleAction(a models.Action) {
	switch a.ActionType {
	case models.ActionNavLayout:
		if a.TargetLayoutID != 0 {
			p.renderRef(sched.LayoutRef{LayoutID: a.TargetLayoutID})
		}
	case models.ActionNavWidget:
		p.renderer.NavigateToWidget(a.TargetWidgetID)
	case models.ActionNext:
		p.renderer.NavigateNext(a.SourceRegionID)
	case models.ActionPrevious:
		p.renderer.NavigatePrevious(a.SourceRegionID)
	case models.ActionCommand:
		p.bus.Publish(events.Event{Type: events.CommandRequest, CommandCode: a.CommandCode})
	default:
		if a.TriggerType == models.TriggerWebhook && a.CommandCode != "" {
			go p.callWebhook(a.CommandCode)
		}
	}
}
