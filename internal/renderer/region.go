package renderer

import (
	"time"

	"signaged/internal/events"
	"signaged/internal/models"
)

// defaultWidgetDuration applies when the XLF carries no duration and the
// media has not reported one yet.
const defaultWidgetDuration = 10 * time.Second

// regionRunner cycles one region's widget list. The same algorithm drives
// main regions, drawers and overlay regions.
type regionRunner struct {
	rend   *Renderer
	entry  *poolEntry
	layout *models.Layout
	region *models.Region
	handle RegionHandle

	// playlist holds indices into region.Widgets after sub-playlist group
	// selection and time-window filtering for this render.
	playlist []int
	elements map[int]WidgetHandle

	currentIndex int
	showingIdx   int // index into playlist, -1 when nothing is visible
	timer        *resumableTimer
	complete     bool
	audio        []AudioHandle

	// onCycleComplete fires once, at the first wrap. Returning true means
	// the callback consumed the completion (drawer auto-hide) and cycling
	// must not continue.
	onCycleComplete func(*regionRunner) bool
}

func newRegionRunner(r *Renderer, entry *poolEntry, region *models.Region, handle RegionHandle) *regionRunner {
	return &regionRunner{
		rend:       r,
		entry:      entry,
		layout:     entry.layout,
		region:     region,
		handle:     handle,
		elements:   make(map[int]WidgetHandle),
		showingIdx: -1,
		timer:      newResumableTimer(r.clock),
	}
}

// buildPlaylist applies sub-playlist cycle selection and widget time
// windows. Widgets whose fromDt lies in the future are excluded from this
// render.
func (rr *regionRunner) buildPlaylist(now time.Time) {
	rr.playlist = rr.playlist[:0]

	// Group widgets that cycle as a sub-playlist; exactly one member per
	// group plays per render.
	groups := make(map[int][]int)
	for i := range rr.region.Widgets {
		w := &rr.region.Widgets[i]
		if w.ParentWidgetID != 0 && w.CyclePlayback {
			groups[w.ParentWidgetID] = append(groups[w.ParentWidgetID], i)
		}
	}
	chosen := make(map[int]int, len(groups))
	for parent, members := range groups {
		chosen[parent] = rr.rend.pickGroupMember(parent, members, rr.region.Widgets)
	}

	for i := range rr.region.Widgets {
		w := &rr.region.Widgets[i]
		if !w.ActiveAt(now) {
			continue
		}
		if w.ParentWidgetID != 0 && w.CyclePlayback {
			if chosen[w.ParentWidgetID] != i {
				continue
			}
		}
		rr.playlist = append(rr.playlist, i)
	}
}

// widgetAt returns the widget behind playlist position idx.
func (rr *regionRunner) widgetAt(idx int) *models.Widget {
	return &rr.region.Widgets[rr.playlist[idx]]
}

func (rr *regionRunner) effectiveDuration(w *models.Widget) time.Duration {
	if w.Duration > 0 {
		return w.Duration
	}
	return defaultWidgetDuration
}

// totalDuration sums the playlist's widget durations.
func (rr *regionRunner) totalDuration() time.Duration {
	var sum time.Duration
	for _, idx := range rr.playlist {
		sum += rr.effectiveDuration(&rr.region.Widgets[idx])
	}
	return sum
}

// start begins cycling from currentIndex.
func (rr *regionRunner) start() {
	if len(rr.playlist) == 0 {
		return
	}
	if !rr.region.Loop && len(rr.playlist) == 1 {
		rr.show(0, false)
		return
	}
	rr.show(rr.currentIndex%len(rr.playlist), true)
}

// reset rewinds the runner for a replay. The current widget ends (so its
// stats close) but elements stay in place for reuse.
func (rr *regionRunner) reset() {
	rr.timer.stop()
	if rr.showingIdx >= 0 {
		rr.hideWidget(rr.showingIdx, nil)
	}
	rr.stopAudio()
	rr.currentIndex = 0
	rr.showingIdx = -1
	rr.complete = false
}

// stop cancels the cycle timer and hides the current widget.
func (rr *regionRunner) stop() {
	rr.timer.stop()
	rr.stopAudio()
	if rr.showingIdx >= 0 {
		rr.hideWidget(rr.showingIdx, nil)
		rr.showingIdx = -1
	}
}

func (rr *regionRunner) pause() {
	rr.timer.pause()
	if rr.showingIdx >= 0 {
		if el, ok := rr.elements[rr.widgetAt(rr.showingIdx).ID]; ok {
			el.Pause()
		}
	}
}

func (rr *regionRunner) resume() {
	if rr.showingIdx >= 0 {
		if el, ok := rr.elements[rr.widgetAt(rr.showingIdx).ID]; ok {
			el.Resume()
		}
	}
	rr.timer.resume(func() { rr.rend.dispatch(rr.advance) })
}

// show makes playlist position idx the visible widget and, when timed is
// true, arms the cycle timer with its duration.
func (rr *regionRunner) show(idx int, timed bool) {
	w := rr.widgetAt(idx)
	el, ok := rr.elements[w.ID]
	if !ok {
		return
	}

	// Everything else in the region goes fully hidden, cancelling any
	// lingering fill-forwards animation state.
	for id, other := range rr.elements {
		if id != w.ID {
			other.Hide(nil, nil)
		}
	}

	el.Restart()
	el.Show(rr.rend.transitionSpec(w.In, rr.frame()))
	rr.showingIdx = idx
	rr.currentIndex = idx

	rr.startAudio(w)

	rr.rend.bus.Publish(events.Event{
		Type:       events.WidgetStart,
		LayoutID:   rr.layout.ID,
		RegionID:   rr.region.ID,
		WidgetID:   w.ID,
		MediaID:    w.FileID,
		WidgetType: w.Type,
		Duration:   rr.effectiveDuration(w),
		EnableStat: w.EnableStat,
	})
	for _, cmd := range w.Commands {
		rr.rend.bus.Publish(events.Event{
			Type:        events.WidgetCommand,
			LayoutID:    rr.layout.ID,
			RegionID:    rr.region.ID,
			WidgetID:    w.ID,
			CommandCode: cmd,
		})
	}

	if timed {
		rr.timer.start(rr.effectiveDuration(w), func() { rr.rend.dispatch(rr.advance) })
	}
}

// advance is the cycle-timer body: fire the widget webhook, hide, step, and
// either stop, wrap or recurse.
func (rr *regionRunner) advance() {
	if rr.showingIdx < 0 || len(rr.playlist) == 0 {
		return
	}
	w := rr.widgetAt(rr.showingIdx)

	if url := w.Options.WebhookURL; url != "" {
		rr.rend.bus.Publish(events.Event{
			Type:     events.ActionTrigger,
			LayoutID: rr.layout.ID,
			RegionID: rr.region.ID,
			WidgetID: w.ID,
			Action: &models.Action{
				TriggerType:    models.TriggerWebhook,
				CommandCode:    url,
				SourceRegionID: rr.region.ID,
				SourceWidgetID: w.ID,
			},
		})
	}

	prev := rr.showingIdx
	next := (prev + 1) % len(rr.playlist)
	wrapped := next == 0

	// Cleared before the hide starts: its completion callback may show the
	// next widget synchronously.
	rr.showingIdx = -1
	rr.hideWidget(prev, func() {
		rr.rend.dispatch(func() {
			if wrapped {
				if !rr.complete {
					rr.complete = true
					if rr.onCycleComplete != nil && rr.onCycleComplete(rr) {
						return
					}
				}
				if !rr.region.Loop {
					// Stop after one cycle, keeping the last widget up.
					rr.show(len(rr.playlist)-1, false)
					return
				}
			}
			rr.show(next, true)
		})
	})
}

// next advances manually (interactive action), with wrap.
func (rr *regionRunner) next() {
	if len(rr.playlist) == 0 {
		return
	}
	rr.timer.stop()
	target := (rr.currentIndex + 1) % len(rr.playlist)
	rr.jumpTo(target)
}

// previous steps back manually, with wrap.
func (rr *regionRunner) previous() {
	if len(rr.playlist) == 0 {
		return
	}
	rr.timer.stop()
	target := (rr.currentIndex - 1 + len(rr.playlist)) % len(rr.playlist)
	rr.jumpTo(target)
}

// jumpTo hides the current widget (no transition) and shows target.
func (rr *regionRunner) jumpTo(target int) {
	if rr.showingIdx >= 0 {
		rr.hideWidget(rr.showingIdx, nil)
		rr.showingIdx = -1
	}
	rr.show(target, true)
}

// hideWidget conceals playlist position idx, emitting widgetEnd once the
// out-transition (if any) completes.
func (rr *regionRunner) hideWidget(idx int, done func()) {
	w := rr.widgetAt(idx)
	el, ok := rr.elements[w.ID]
	if !ok {
		if done != nil {
			done()
		}
		return
	}

	rr.stopAudio()
	finish := func() {
		if !w.Options.Loop {
			el.Pause()
		}
		el.StopTracks()
		rr.rend.bus.Publish(events.Event{
			Type:       events.WidgetEnd,
			LayoutID:   rr.layout.ID,
			RegionID:   rr.region.ID,
			WidgetID:   w.ID,
			MediaID:    w.FileID,
			WidgetType: w.Type,
			EnableStat: w.EnableStat,
		})
		if done != nil {
			done()
		}
	}
	el.Hide(rr.rend.transitionSpec(w.Out, rr.frame()), finish)
}

func (rr *regionRunner) startAudio(w *models.Widget) {
	for _, overlay := range w.Audio {
		media, ok := rr.entry.mediaURLs[overlay.MediaID]
		if !ok {
			continue
		}
		rr.audio = append(rr.audio, rr.rend.surface.PlayAudio(media.url, overlay.Volume, overlay.Loop))
	}
}

func (rr *regionRunner) stopAudio() {
	for _, a := range rr.audio {
		a.Stop()
	}
	rr.audio = rr.audio[:0]
}

// frame returns the region's current scaled frame.
func (rr *regionRunner) frame() Frame {
	return rr.rend.scaleRegion(rr.layout, rr.region)
}
