package renderer

import (
	"sync"

	"signaged/internal/logger"
)

// HeadlessSurface is a surface with no pixels behind it: widgets report
// ready as soon as they are shown and interactions never arrive. Platform
// shells replace it; it keeps the daemon (and tests) running without one.
type HeadlessSurface struct {
	logger logger.Logger
	width  float64
	height float64

	mu       sync.Mutex
	onResize func()
}

// NewHeadlessSurface creates a headless surface with a fixed virtual size.
func NewHeadlessSurface(log logger.Logger, width, height float64) *HeadlessSurface {
	return &HeadlessSurface{logger: log, width: width, height: height}
}

func (s *HeadlessSurface) Bounds() (float64, float64) { return s.width, s.height }

func (s *HeadlessSurface) OnResize(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResize = f
}

// Resize changes the virtual container size, as a shell would on a real
// display change.
func (s *HeadlessSurface) Resize(width, height float64) {
	s.mu.Lock()
	s.width, s.height = width, height
	f := s.onResize
	s.mu.Unlock()
	if f != nil {
		f()
	}
}

func (s *HeadlessSurface) SetBackground(color, imageURL string) {
	s.logger.Debugf("Background: color=%s image=%s", color, imageURL)
}

func (s *HeadlessSurface) CreateRegion(regionID string, frame Frame, zIndex int, hidden bool) RegionHandle {
	return &headlessRegion{surface: s, regionID: regionID, visible: !hidden}
}

func (s *HeadlessSurface) PlayAudio(url string, volume int, loop bool) AudioHandle {
	s.logger.Debugf("Audio overlay: %s volume=%d loop=%v", url, volume, loop)
	return headlessAudio{}
}

func (s *HeadlessSurface) SetKeyHandler(func(key string)) {}

type headlessRegion struct {
	surface  *HeadlessSurface
	regionID string
	visible  bool
}

func (r *headlessRegion) SetFrame(Frame)    {}
func (r *headlessRegion) SetVisible(v bool) { r.visible = v }
func (r *headlessRegion) OnTap(func())      {}
func (r *headlessRegion) Remove()           {}

func (r *headlessRegion) CreateWidget(spec WidgetSpec) WidgetHandle {
	return &headlessWidget{surface: r.surface, spec: spec}
}

type headlessWidget struct {
	surface *HeadlessSurface
	spec    WidgetSpec
}

func (w *headlessWidget) Show(t *TransitionSpec) {
	w.surface.logger.Debugf("Show widget %d (%s)", w.spec.WidgetID, w.spec.Type)
	if w.spec.OnReady != nil {
		w.spec.OnReady()
	}
}

func (w *headlessWidget) Hide(t *TransitionSpec, done func()) {
	if done != nil {
		done()
	}
}

func (w *headlessWidget) Restart()    {}
func (w *headlessWidget) Pause()      {}
func (w *headlessWidget) Resume()     {}
func (w *headlessWidget) StopTracks() {}
func (w *headlessWidget) Remove()     {}

type headlessAudio struct{}

func (headlessAudio) Stop() {}
