package renderer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signaged/internal/events"
	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/xlf"
)

// readinessCeiling bounds how long the layout timer waits for widgets to
// report ready.
const readinessCeiling = 10 * time.Second

// Renderer runs the layout pool: one hot layout visible and playing, up to
// one warm layout pre-built and hidden for an instant swap. All entry
// points must be called from the player run loop; completion callbacks are
// re-serialized through dispatch.
type Renderer struct {
	surface  Surface
	resolver MediaResolver
	bus      *events.Bus
	logger   logger.Logger
	clock    Clock
	dispatch func(func())
	rand     *rand.Rand

	pool            *layoutPool
	currentLayoutID int

	layoutTimer      *resumableTimer
	layoutEndEmitted bool
	timerStarted     bool
	readyMu          sync.Mutex
	readyPending     map[int]struct{}
	cancelCeiling    func()
	preloadCancels   []func()
	paused           bool

	groupCycleIdx  map[int]int
	overlayEntries map[int]*poolEntry
}

// New creates a renderer over the given surface and resolver. dispatch must
// serialize the supplied function onto the player run loop.
func New(surface Surface, resolver MediaResolver, bus *events.Bus, log logger.Logger, clock Clock, dispatch func(func())) *Renderer {
	r := &Renderer{
		surface:        surface,
		resolver:       resolver,
		bus:            bus,
		logger:         log,
		clock:          clock,
		dispatch:       dispatch,
		rand:           rand.New(rand.NewSource(1)),
		readyPending:   make(map[int]struct{}),
		groupCycleIdx:  make(map[int]int),
		overlayEntries: make(map[int]*poolEntry),
	}
	r.layoutTimer = newResumableTimer(clock)
	r.pool = newLayoutPool(2, r.onEvict)
	surface.OnResize(func() { dispatch(r.applyScale) })
	return r
}

// CurrentLayoutID returns the hot layout id, 0 before the first render.
func (r *Renderer) CurrentLayoutID() int { return r.currentLayoutID }

// HasPreloaded reports whether a layout sits warm in the pool.
func (r *Renderer) HasPreloaded(layoutID int) bool {
	return r.pool.has(layoutID) && layoutID != r.currentLayoutID
}

// RenderLayout makes layoutID the hot layout. Three paths: replay of the
// current layout, instant swap to a preloaded entry, or a cold build from
// the XLF bytes.
func (r *Renderer) RenderLayout(layoutID int, xlfData []byte) error {
	if layoutID == r.currentLayoutID && r.pool.get(layoutID) != nil {
		r.replay()
		return nil
	}

	if r.pool.has(layoutID) {
		r.swapToPreloaded(layoutID)
		return nil
	}

	layout, err := xlf.Parse(xlfData, layoutID)
	if err != nil {
		return fmt.Errorf("cold render of layout %d failed: %w", layoutID, err)
	}
	entry, err := r.buildEntry(layout, false)
	if err != nil {
		return err
	}

	r.teardownCurrent()
	r.pool.add(layoutID, entry)
	r.activate(layoutID, entry)
	return nil
}

// PreloadLayout builds a warm pool entry: hidden region surfaces, every
// widget element pre-created, all media resolved into the entry's private
// URL map. No timers start and no events are emitted.
func (r *Renderer) PreloadLayout(layoutID int, xlfData []byte) error {
	if r.pool.has(layoutID) {
		return nil // idempotent
	}
	layout, err := xlf.Parse(xlfData, layoutID)
	if err != nil {
		return fmt.Errorf("preload of layout %d failed: %w", layoutID, err)
	}
	entry, err := r.buildEntry(layout, true)
	if err != nil {
		return err
	}
	r.pool.add(layoutID, entry)
	r.logger.Debugf("Preloaded layout %d into the pool", layoutID)
	return nil
}

// replay restarts the current layout in place: same elements, same media
// URLs, nothing revoked.
func (r *Renderer) replay() {
	entry := r.pool.get(r.currentLayoutID)
	for _, rr := range entry.runners {
		rr.reset()
	}
	for _, rr := range entry.drawers {
		rr.reset()
		rr.handle.SetVisible(false)
	}
	r.layoutTimer.stop()
	r.layoutEndEmitted = false
	r.timerStarted = false

	r.bus.Publish(events.Event{Type: events.LayoutStart, LayoutID: entry.layout.ID})
	r.startRegions(entry)
}

// swapToPreloaded promotes a warm entry to hot. The old layout is torn down
// and its media references released exactly once; the warm entry's surfaces
// simply become visible.
func (r *Renderer) swapToPreloaded(layoutID int) {
	r.teardownCurrent()

	entry := r.pool.get(layoutID)
	r.pool.makeHot(layoutID)
	for _, rr := range entry.runners {
		rr.handle.SetVisible(true)
	}
	r.activate(layoutID, entry)
}

// activate wires a hot entry in: scale, background, actions, layoutStart,
// region start, readiness-gated layout timer, preload schedule.
func (r *Renderer) activate(layoutID int, entry *poolEntry) {
	r.pool.makeHot(layoutID)
	r.currentLayoutID = layoutID
	r.layoutEndEmitted = false
	r.timerStarted = false
	r.paused = false

	r.applyScaleTo(entry)
	bg := ""
	if entry.layout.BackgroundImage != 0 {
		if m, ok := entry.mediaURLs[entry.layout.BackgroundImage]; ok {
			bg = m.url
		}
	}
	r.surface.SetBackground(entry.layout.BackgroundColor, bg)
	r.attachKeyActions(entry)

	r.bus.Publish(events.Event{Type: events.LayoutStart, LayoutID: entry.layout.ID})
	r.startRegions(entry)
}

// startRegions builds playlists, begins cycling and arms the readiness gate
// for the layout timer.
func (r *Renderer) startRegions(entry *poolEntry) {
	now := r.clock.Now()

	r.readyMu.Lock()
	r.readyPending = make(map[int]struct{})
	for _, rr := range entry.runners {
		rr.buildPlaylist(now)
		if len(rr.playlist) > 0 {
			r.readyPending[rr.widgetAt(rr.currentIndex%len(rr.playlist)).ID] = struct{}{}
		}
	}
	r.readyMu.Unlock()

	for _, rr := range entry.runners {
		rr.start()
	}
	for _, rr := range entry.drawers {
		rr.buildPlaylist(now)
	}

	if r.cancelCeiling != nil {
		r.cancelCeiling()
	}
	r.readyMu.Lock()
	empty := len(r.readyPending) == 0
	r.readyMu.Unlock()
	if empty {
		r.startLayoutTimer()
		return
	}
	r.cancelCeiling = r.clock.AfterFunc(readinessCeiling, func() {
		r.dispatch(r.startLayoutTimer)
	})
}

// markReady is invoked (via dispatch) when a widget reports it can present.
func (r *Renderer) markReady(widgetID int) {
	r.readyMu.Lock()
	delete(r.readyPending, widgetID)
	empty := len(r.readyPending) == 0
	r.readyMu.Unlock()
	if empty {
		r.startLayoutTimer()
	}
}

// startLayoutTimer computes the layout duration and arms the end timer.
// Safe to call twice; only the first arms.
func (r *Renderer) startLayoutTimer() {
	if r.timerStarted || r.paused {
		return
	}
	entry := r.pool.get(r.currentLayoutID)
	if entry == nil {
		return
	}
	r.timerStarted = true
	if r.cancelCeiling != nil {
		r.cancelCeiling()
		r.cancelCeiling = nil
	}

	total := r.layoutDuration(entry)
	r.layoutTimer.start(total, func() {
		r.dispatch(r.emitLayoutEnd)
	})
	r.schedulePreload(total)
}

// layoutDuration prefers the explicit XLF duration, else the maximum summed
// widget duration across non-drawer regions.
func (r *Renderer) layoutDuration(entry *poolEntry) time.Duration {
	if entry.layout.Duration > 0 {
		return entry.layout.Duration
	}
	var max time.Duration
	for _, rr := range entry.runners {
		if sum := rr.totalDuration(); sum > max {
			max = sum
		}
	}
	if max == 0 {
		max = defaultWidgetDuration
	}
	return max
}

// emitLayoutEnd fires layoutEnd exactly once per render.
func (r *Renderer) emitLayoutEnd() {
	if r.layoutEndEmitted {
		return
	}
	r.layoutEndEmitted = true
	r.bus.Publish(events.Event{Type: events.LayoutEnd, LayoutID: r.currentLayoutID})
}

// schedulePreload emits preload requests at 75% of the layout duration with
// a retry at 90%.
func (r *Renderer) schedulePreload(total time.Duration) {
	for _, cancel := range r.preloadCancels {
		cancel()
	}
	r.preloadCancels = r.preloadCancels[:0]
	for _, fraction := range []float64{0.75, 0.90} {
		at := time.Duration(float64(total) * fraction)
		cancel := r.clock.AfterFunc(at, func() {
			r.dispatch(func() {
				r.bus.Publish(events.Event{Type: events.RequestPreload, LayoutID: r.currentLayoutID})
			})
		})
		r.preloadCancels = append(r.preloadCancels, cancel)
	}
}

// StopCurrentLayout cancels all timers synchronously and tears the hot
// layout down. layoutEnd still fires (once) so stats close out.
func (r *Renderer) StopCurrentLayout() {
	if r.currentLayoutID == 0 {
		return
	}
	r.emitLayoutEnd()
	r.teardownCurrent()
	r.currentLayoutID = 0
}

// teardownCurrent stops and evicts the hot entry, releasing its media
// references exactly once via the pool eviction callback.
func (r *Renderer) teardownCurrent() {
	if r.currentLayoutID == 0 {
		return
	}
	entry := r.pool.get(r.currentLayoutID)
	if entry == nil {
		r.currentLayoutID = 0
		return
	}
	r.layoutTimer.stop()
	for _, cancel := range r.preloadCancels {
		cancel()
	}
	r.preloadCancels = r.preloadCancels[:0]
	if r.cancelCeiling != nil {
		r.cancelCeiling()
		r.cancelCeiling = nil
	}
	for _, rr := range entry.runners {
		rr.stop()
	}
	for _, rr := range entry.drawers {
		rr.stop()
	}
	r.pool.evict(r.currentLayoutID)
	r.currentLayoutID = 0
}

// onEvict releases a pool entry's resources: media references dropped,
// surface subtree removed.
func (r *Renderer) onEvict(layoutID int, entry *poolEntry) {
	for _, rr := range append(entry.runners, entry.drawers...) {
		for _, el := range rr.elements {
			el.Remove()
		}
		rr.handle.Remove()
	}
	r.resolver.ReleaseLayout(layoutID)
}

// ClearWarmNotIn drops warm pool entries outside the keep set (resource
// pressure fallback).
func (r *Renderer) ClearWarmNotIn(keep map[int]struct{}) {
	r.pool.clearWarmNotIn(keep)
}

// Pause freezes playback: layout timer, region cycling and media all stop
// with their positions saved.
func (r *Renderer) Pause() {
	if r.paused || r.currentLayoutID == 0 {
		return
	}
	r.paused = true
	r.layoutTimer.pause()
	entry := r.pool.get(r.currentLayoutID)
	for _, rr := range append(entry.runners, entry.drawers...) {
		rr.pause()
	}
	r.bus.Publish(events.Event{Type: events.Paused, LayoutID: r.currentLayoutID})
}

// Resume continues playback from the paused positions.
func (r *Renderer) Resume() {
	if !r.paused || r.currentLayoutID == 0 {
		return
	}
	r.paused = false
	entry := r.pool.get(r.currentLayoutID)
	for _, rr := range append(entry.runners, entry.drawers...) {
		rr.resume()
	}
	r.layoutTimer.resume(func() { r.dispatch(r.emitLayoutEnd) })
	r.bus.Publish(events.Event{Type: events.Resumed, LayoutID: r.currentLayoutID})
}

// OnMediaDurationKnown applies a late-arriving media duration. Widgets with
// useDuration unset take their duration from the media; the layout timer is
// rescheduled against the new total.
func (r *Renderer) OnMediaDurationKnown(layoutID, widgetID int, d time.Duration) {
	entry := r.pool.get(layoutID)
	if entry == nil || d <= 0 {
		return
	}
	_, w := entry.layout.FindWidget(widgetID)
	if w == nil || w.UseDuration {
		return
	}
	w.Duration = d

	if layoutID == r.currentLayoutID && r.timerStarted {
		r.layoutTimer.reschedule(r.layoutDuration(entry), func() {
			r.dispatch(r.emitLayoutEnd)
		})
	}
}

// buildEntry resolves media and constructs the full region/widget surface
// tree for one layout. warm entries are built hidden.
func (r *Renderer) buildEntry(layout *models.Layout, warm bool) (*poolEntry, error) {
	entry := &poolEntry{
		layout:     layout,
		mediaURLs:  make(map[int]resolvedMedia),
		widgetHTML: make(map[int]resolvedWidget),
	}

	// Pre-fetch every media URL and widget-HTML resource in parallel.
	type htmlWant struct {
		regionID string
		widgetID int
	}
	fileIDs := map[int]struct{}{}
	var htmlWants []htmlWant
	if layout.BackgroundImage != 0 {
		fileIDs[layout.BackgroundImage] = struct{}{}
	}
	for _, regions := range [][]models.Region{layout.Regions, layout.Drawers} {
		for i := range regions {
			for j := range regions[i].Widgets {
				w := &regions[i].Widgets[j]
				switch {
				case w.Type.RendersFromFile():
					if w.FileID != 0 {
						fileIDs[w.FileID] = struct{}{}
					}
				case w.Type != models.WidgetWebcam:
					htmlWants = append(htmlWants, htmlWant{regionID: regions[i].ID, widgetID: w.ID})
				}
				for _, overlay := range w.Audio {
					fileIDs[overlay.MediaID] = struct{}{}
				}
			}
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)
	for fileID := range fileIDs {
		g.Go(func() error {
			url, mediaType, err := r.resolver.MediaURL(layout.ID, fileID)
			if err != nil {
				r.bus.Publish(events.Event{
					Type:     events.Fault,
					LayoutID: layout.ID,
					Fault: &models.Fault{
						Type:     models.FaultCacheMiss,
						Message:  err.Error(),
						Context:  fmt.Sprintf("media/%d", fileID),
						LayoutID: layout.ID,
					},
				})
				return nil // widget shows its placeholder; the cycle proceeds
			}
			mu.Lock()
			entry.mediaURLs[fileID] = resolvedMedia{url: url, mediaType: mediaType}
			mu.Unlock()
			return nil
		})
	}
	for _, want := range htmlWants {
		g.Go(func() error {
			url, hint, err := r.resolver.WidgetHTMLURL(layout.ID, want.regionID, want.widgetID)
			if err != nil {
				r.logger.Warnf("Widget HTML for %d/%s/%d unavailable: %v",
					layout.ID, want.regionID, want.widgetID, err)
				return nil
			}
			mu.Lock()
			entry.widgetHTML[want.widgetID] = resolvedWidget{url: url, hint: hint}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Duration hints from the CMS-rendered HTML override widgets that take
	// their duration from the media.
	for _, regions := range [][]models.Region{layout.Regions, layout.Drawers} {
		for i := range regions {
			for j := range regions[i].Widgets {
				w := &regions[i].Widgets[j]
				if res, ok := entry.widgetHTML[w.ID]; ok && res.hint > 0 && !w.UseDuration {
					w.Duration = res.hint
				}
			}
		}
	}

	for i := range layout.Regions {
		entry.runners = append(entry.runners, r.buildRegion(entry, &layout.Regions[i], warm))
	}
	for i := range layout.Drawers {
		rr := r.buildRegion(entry, &layout.Drawers[i], true)
		rr.onCycleComplete = func(rr *regionRunner) bool {
			// Drawers auto-hide once their cycle completes.
			rr.stop()
			rr.handle.SetVisible(false)
			return true
		}
		entry.drawers = append(entry.drawers, rr)
	}
	return entry, nil
}

// buildRegion creates the region surface and pre-creates every widget
// element, hidden and absolutely positioned.
func (r *Renderer) buildRegion(entry *poolEntry, region *models.Region, hidden bool) *regionRunner {
	frame := r.scaleRegion(entry.layout, region)
	handle := r.surface.CreateRegion(region.ID, frame, region.ZIndex, hidden || region.IsDrawer)
	rr := newRegionRunner(r, entry, region, handle)

	layoutID := entry.layout.ID
	if hasTouchAction(region.Actions) {
		handle.OnTap(func() {
			r.dispatch(func() { r.fireActions(layoutID, region.Actions, models.TriggerTouch) })
		})
	}

	for j := range region.Widgets {
		w := &region.Widgets[j]
		spec := WidgetSpec{
			WidgetID: w.ID,
			Type:     w.Type,
			Options:  w.Options,
		}
		if w.Type.RendersFromFile() {
			if m, ok := entry.mediaURLs[w.FileID]; ok {
				spec.SourceURL = m.url
				spec.MediaType = m.mediaType
			}
		} else if res, ok := entry.widgetHTML[w.ID]; ok {
			spec.SourceURL = res.url
			spec.MediaType = "text/html"
		}

		widgetID := w.ID
		spec.OnReady = func() { r.dispatch(func() { r.markReady(widgetID) }) }
		spec.OnDurationKnown = func(d time.Duration) {
			r.dispatch(func() { r.OnMediaDurationKnown(layoutID, widgetID, d) })
		}
		if hasTouchAction(w.Actions) {
			actions := w.Actions
			spec.OnTap = func() {
				r.dispatch(func() { r.fireActions(layoutID, actions, models.TriggerTouch) })
			}
		}

		rr.elements[w.ID] = handle.CreateWidget(spec)
	}
	return rr
}

// pickGroupMember selects this render's widget for one sub-playlist group.
// The per-group cycle index is process-local; random groups draw instead of
// rotating.
func (r *Renderer) pickGroupMember(parent int, members []int, widgets []models.Widget) int {
	if len(members) == 1 {
		return members[0]
	}
	if widgets[members[0]].IsRandom {
		return members[r.rand.Intn(len(members))]
	}
	idx := r.groupCycleIdx[parent] % len(members)
	r.groupCycleIdx[parent]++
	return members[idx]
}

// scaleRegion letterboxes the layout canvas into the container and maps one
// region's rectangle.
func (r *Renderer) scaleRegion(layout *models.Layout, region *models.Region) Frame {
	cw, ch := r.surface.Bounds()
	sf := scaleFactor(cw, ch, layout.Width, layout.Height)
	offX := (cw - layout.Width*sf) / 2
	offY := (ch - layout.Height*sf) / 2
	return Frame{
		Left:   offX + region.Left*sf,
		Top:    offY + region.Top*sf,
		Width:  region.Width * sf,
		Height: region.Height * sf,
	}
}

func scaleFactor(cw, ch, lw, lh float64) float64 {
	if lw <= 0 || lh <= 0 {
		return 1
	}
	sx := cw / lw
	sy := ch / lh
	if sx < sy {
		return sx
	}
	return sy
}

// applyScale recomputes every live frame after a container resize.
func (r *Renderer) applyScale() {
	if entry := r.pool.get(r.currentLayoutID); entry != nil {
		r.applyScaleTo(entry)
	}
	for _, entry := range r.overlayEntries {
		r.applyScaleTo(entry)
	}
}

func (r *Renderer) applyScaleTo(entry *poolEntry) {
	for _, rr := range append(entry.runners, entry.drawers...) {
		rr.handle.SetFrame(r.scaleRegion(entry.layout, rr.region))
	}
}

// transitionSpec computes the keyframes for one transition in one region
// frame. Fly offsets push the element fully outside the region toward the
// compass direction.
func (r *Renderer) transitionSpec(t *models.Transition, frame Frame) *TransitionSpec {
	if t == nil {
		return nil
	}
	spec := &TransitionSpec{Type: t.Type, Duration: t.Duration}
	switch t.Type {
	case models.TransitionFadeIn:
		spec.FadeFrom, spec.FadeTo = 0, 1
	case models.TransitionFadeOut:
		spec.FadeFrom, spec.FadeTo = 1, 0
	case models.TransitionFlyIn:
		dx, dy := directionVector(t.Direction)
		spec.FromX, spec.FromY = dx*frame.Width, dy*frame.Height
		spec.FadeFrom, spec.FadeTo = 1, 1
	case models.TransitionFlyOut:
		dx, dy := directionVector(t.Direction)
		spec.ToX, spec.ToY = dx*frame.Width, dy*frame.Height
		spec.FadeFrom, spec.FadeTo = 1, 1
	}
	return spec
}

// directionVector maps a compass direction to a unit offset. Fly-in comes
// from that side; fly-out leaves toward it.
func directionVector(d models.CompassDirection) (float64, float64) {
	switch d {
	case models.DirN:
		return 0, -1
	case models.DirNE:
		return 1, -1
	case models.DirE:
		return 1, 0
	case models.DirSE:
		return 1, 1
	case models.DirS:
		return 0, 1
	case models.DirSW:
		return -1, 1
	case models.DirW:
		return -1, 0
	case models.DirNW:
		return -1, -1
	}
	return 0, 0
}

func hasTouchAction(actions []models.Action) bool {
	for _, a := range actions {
		if a.TriggerType == models.TriggerTouch {
			return true
		}
	}
	return false
}
