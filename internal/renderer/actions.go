package renderer

import (
	"signaged/internal/events"
	"signaged/internal/models"
)

// attachKeyActions installs the single application-scope key consumer for
// the hot layout. Key presses match against every keyboard-triggered action
// in the layout, its regions and its widgets.
func (r *Renderer) attachKeyActions(entry *poolEntry) {
	table := collectActions(entry.layout)
	layoutID := entry.layout.ID
	r.surface.SetKeyHandler(func(key string) {
		r.dispatch(func() {
			if r.currentLayoutID != layoutID {
				return // a stale handler must not act for an evicted layout
			}
			for _, a := range table {
				if a.TriggerType == models.TriggerKeyboard && a.Key == key {
					r.emitAction(layoutID, a)
				}
			}
		})
	})
}

// TriggerWebhook fires every webhook-triggered action of the hot layout.
// The XMR triggerWebhook command lands here.
func (r *Renderer) TriggerWebhook(triggerCode string) {
	entry := r.pool.get(r.currentLayoutID)
	if entry == nil {
		return
	}
	for _, a := range collectActions(entry.layout) {
		if a.TriggerType == models.TriggerWebhook {
			r.emitAction(entry.layout.ID, a)
		}
	}
}

// fireActions emits every action of the given trigger type from a table.
func (r *Renderer) fireActions(layoutID int, actions []models.Action, trigger models.ActionTriggerType) {
	for _, a := range actions {
		if a.TriggerType == trigger {
			r.emitAction(layoutID, a)
		}
	}
}

func (r *Renderer) emitAction(layoutID int, a models.Action) {
	action := a
	r.bus.Publish(events.Event{
		Type:     events.ActionTrigger,
		LayoutID: layoutID,
		RegionID: a.SourceRegionID,
		WidgetID: a.SourceWidgetID,
		Action:   &action,
	})
}

// NavigateToWidget reveals the region (or drawer) containing the target
// widget, cancels its cycle timer and shows the target immediately.
func (r *Renderer) NavigateToWidget(targetWidgetID int) {
	entry := r.pool.get(r.currentLayoutID)
	if entry == nil {
		return
	}

	for _, rr := range append(entry.runners, entry.drawers...) {
		for pos, idx := range rr.playlist {
			if rr.region.Widgets[idx].ID != targetWidgetID {
				continue
			}
			if rr.region.IsDrawer {
				rr.complete = false
				rr.handle.SetVisible(true)
			}
			rr.timer.stop()
			rr.jumpTo(pos)
			return
		}
	}
	r.logger.Warnf("navWidget target %d is not in the current layout", targetWidgetID)
}

// NavigateNext advances one region's cycle manually, with wrap.
func (r *Renderer) NavigateNext(regionID string) {
	if rr := r.findRunner(regionID); rr != nil {
		rr.next()
	}
}

// NavigatePrevious steps one region's cycle back manually, with wrap.
func (r *Renderer) NavigatePrevious(regionID string) {
	if rr := r.findRunner(regionID); rr != nil {
		rr.previous()
	}
}

func (r *Renderer) findRunner(regionID string) *regionRunner {
	entry := r.pool.get(r.currentLayoutID)
	if entry == nil {
		return nil
	}
	for _, rr := range append(entry.runners, entry.drawers...) {
		if rr.region.ID == regionID {
			return rr
		}
	}
	return nil
}

// collectActions flattens layout, region and widget action tables.
func collectActions(layout *models.Layout) []models.Action {
	out := append([]models.Action{}, layout.Actions...)
	for _, regions := range [][]models.Region{layout.Regions, layout.Drawers} {
		for i := range regions {
			out = append(out, regions[i].Actions...)
			for j := range regions[i].Widgets {
				out = append(out, regions[i].Widgets[j].Actions...)
			}
		}
	}
	return out
}
