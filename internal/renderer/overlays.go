package renderer

import (
	"fmt"

	"signaged/internal/xlf"
)

// OverlayInput names one overlay layout to show, with its XLF bytes.
type OverlayInput struct {
	LayoutID int
	XLF      []byte
}

// SetOverlays reconciles the overlay layer against the wanted set. Overlays
// reuse the region-cycling machinery but are independent of the pool and
// never drive the layout timer; their regions always loop.
func (r *Renderer) SetOverlays(wanted []OverlayInput) error {
	keep := make(map[int]struct{}, len(wanted))
	for _, o := range wanted {
		keep[o.LayoutID] = struct{}{}
	}

	// Remove overlays no longer scheduled.
	for id, entry := range r.overlayEntries {
		if _, ok := keep[id]; !ok {
			for _, rr := range append(entry.runners, entry.drawers...) {
				rr.stop()
				for _, el := range rr.elements {
					el.Remove()
				}
				rr.handle.Remove()
			}
			r.resolver.ReleaseLayout(id)
			delete(r.overlayEntries, id)
		}
	}

	for _, o := range wanted {
		if _, ok := r.overlayEntries[o.LayoutID]; ok {
			continue // already showing
		}
		layout, err := xlf.Parse(o.XLF, o.LayoutID)
		if err != nil {
			return fmt.Errorf("overlay %d failed to parse: %w", o.LayoutID, err)
		}
		for i := range layout.Regions {
			// Overlay regions sit above the main layer and keep cycling.
			layout.Regions[i].Loop = true
			if layout.Regions[i].ZIndex < 1000 {
				layout.Regions[i].ZIndex += 1000
			}
		}

		entry, err := r.buildEntry(layout, false)
		if err != nil {
			return err
		}
		r.overlayEntries[o.LayoutID] = entry

		now := r.clock.Now()
		for _, rr := range entry.runners {
			rr.buildPlaylist(now)
			rr.start()
		}
	}
	return nil
}

// ActiveOverlayIDs lists the overlays currently showing.
func (r *Renderer) ActiveOverlayIDs() []int {
	out := make([]int, 0, len(r.overlayEntries))
	for id := range r.overlayEntries {
		out = append(out, id)
	}
	return out
}
