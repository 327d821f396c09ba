package renderer

import (
	"time"

	"signaged/internal/models"
)

// Frame is a rectangle in container pixels, after scaling.
type Frame struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// TransitionSpec is the computed keyframe animation for one show or hide.
// Fly offsets are in container pixels, derived from the compass direction
// and the region size.
type TransitionSpec struct {
	Type     models.TransitionType
	Duration time.Duration
	FromX    float64
	FromY    float64
	ToX      float64
	ToY      float64
	FadeFrom float64
	FadeTo   float64
}

// WidgetSpec tells the surface what element to build for one widget. The
// element is created hidden; Show/Hide drive visibility.
type WidgetSpec struct {
	WidgetID  int
	Type      models.WidgetType
	SourceURL string
	MediaType string
	Options   models.WidgetOptions

	// OnReady fires once the element can present its first frame (video
	// playing, image loaded; immediate for inline HTML).
	OnReady func()
	// OnDurationKnown fires when the media's own duration becomes known.
	OnDurationKnown func(time.Duration)
	// OnTap fires for touch/click input on the element.
	OnTap func()
}

// WidgetHandle is one pre-created widget element on a region surface.
type WidgetHandle interface {
	// Show makes the element visible, optionally animating in. Any lingering
	// animation state on the element is cancelled first.
	Show(t *TransitionSpec)
	// Hide conceals the element, optionally animating out; done runs when
	// the animation (if any) completes.
	Hide(t *TransitionSpec, done func())
	// Restart rewinds playable media to the start and plays it. Webcam
	// widgets re-acquire their stream here.
	Restart()
	Pause()
	Resume()
	// StopTracks releases live capture (webcam) resources.
	StopTracks()
	Remove()
}

// RegionHandle is one positioned container on the layout canvas.
type RegionHandle interface {
	SetFrame(Frame)
	SetVisible(bool)
	CreateWidget(spec WidgetSpec) WidgetHandle
	// OnTap registers a click handler for the region itself.
	OnTap(func())
	Remove()
}

// AudioHandle is one playing audio overlay.
type AudioHandle interface {
	Stop()
}

// Surface is the abstract rendering target: platform shells implement it
// with a DOM, a WebView, or a compositor; tests use a headless fake. The
// renderer's contract is to feed it regions, widget sources and transition
// specs and receive readiness and input callbacks, all delivered on the
// player's run loop.
type Surface interface {
	// Bounds returns the container size in pixels.
	Bounds() (w, h float64)
	// OnResize registers a callback for container size changes.
	OnResize(func())
	// SetBackground paints the layout backdrop.
	SetBackground(color string, imageURL string)
	// CreateRegion makes a positioned container. Hidden regions (drawers,
	// warm preloads) stay off-screen until SetVisible(true).
	CreateRegion(regionID string, frame Frame, zIndex int, hidden bool) RegionHandle
	// PlayAudio starts a background audio overlay.
	PlayAudio(url string, volume int, loop bool) AudioHandle
	// SetKeyHandler installs the single application-scope key consumer.
	SetKeyHandler(func(key string))
}

// MediaResolver supplies local URLs for cached media and widget HTML. The
// player core backs it with the cache manager; a miss is reported so the
// file can be prioritized on the download queue.
type MediaResolver interface {
	// MediaURL returns the proxy URL and media type for a cached file and
	// registers the layout as a dependant.
	MediaURL(layoutID, fileID int) (url, mediaType string, err error)
	// WidgetHTMLURL returns the proxy URL of the CMS-rendered widget HTML,
	// fetching and caching it if needed. durationHint carries the DURATION
	// control comment embedded in the HTML (0 when absent).
	WidgetHTMLURL(layoutID int, regionID string, widgetID int) (url string, durationHint time.Duration, err error)
	// ReleaseLayout drops every media reference the layout holds.
	ReleaseLayout(layoutID int)
}
