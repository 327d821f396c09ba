package renderer

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaged/internal/events"
	"signaged/internal/logger"
	"signaged/internal/models"
)

// fakeClock is a manually advanced clock driving all renderer timers.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		t.stopped = true
	}
}

// advance moves time forward, firing due timers in order.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.stopped = true
		c.now = next.at
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// fakeSurface records every operation the renderer performs.
type fakeSurface struct {
	mu         sync.Mutex
	w, h       float64
	regions    []*fakeRegion
	audio      []*fakeAudio
	keyHandler func(string)
	onResize   func()
}

func newFakeSurface() *fakeSurface { return &fakeSurface{w: 1920, h: 1080} }

func (s *fakeSurface) Bounds() (float64, float64)         { return s.w, s.h }
func (s *fakeSurface) OnResize(f func())                  { s.onResize = f }
func (s *fakeSurface) SetBackground(color, imgURL string) {}
func (s *fakeSurface) SetKeyHandler(f func(string))       { s.keyHandler = f }

func (s *fakeSurface) CreateRegion(regionID string, frame Frame, zIndex int, hidden bool) RegionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &fakeRegion{surface: s, id: regionID, frame: frame, zIndex: zIndex, visible: !hidden,
		widgets: make(map[int]*fakeWidget)}
	s.regions = append(s.regions, r)
	return r
}

func (s *fakeSurface) PlayAudio(url string, volume int, loop bool) AudioHandle {
	a := &fakeAudio{url: url}
	s.mu.Lock()
	s.audio = append(s.audio, a)
	s.mu.Unlock()
	return a
}

func (s *fakeSurface) regionByID(id string) *fakeRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Latest creation wins; evicted handles stay in the log.
	for i := len(s.regions) - 1; i >= 0; i-- {
		if s.regions[i].id == id && !s.regions[i].removed {
			return s.regions[i]
		}
	}
	return nil
}

type fakeRegion struct {
	surface *fakeSurface
	id      string
	frame   Frame
	zIndex  int
	visible bool
	removed bool
	widgets map[int]*fakeWidget
	tap     func()
}

func (r *fakeRegion) SetFrame(f Frame)  { r.frame = f }
func (r *fakeRegion) SetVisible(v bool) { r.visible = v }
func (r *fakeRegion) OnTap(f func())    { r.tap = f }
func (r *fakeRegion) Remove()           { r.removed = true }

func (r *fakeRegion) CreateWidget(spec WidgetSpec) WidgetHandle {
	w := &fakeWidget{spec: spec}
	r.widgets[spec.WidgetID] = w
	return w
}

type fakeWidget struct {
	spec     WidgetSpec
	visible  bool
	shows    int
	restarts int
	paused   bool
	removed  bool
	lastIn   *TransitionSpec
	lastOut  *TransitionSpec
}

func (w *fakeWidget) Show(t *TransitionSpec) {
	w.visible = true
	w.shows++
	w.lastIn = t
	if w.spec.OnReady != nil {
		w.spec.OnReady()
	}
}

func (w *fakeWidget) Hide(t *TransitionSpec, done func()) {
	w.visible = false
	if t != nil {
		w.lastOut = t
	}
	if done != nil {
		done()
	}
}

func (w *fakeWidget) Restart()    { w.restarts++; w.paused = false }
func (w *fakeWidget) Pause()      { w.paused = true }
func (w *fakeWidget) Resume()     { w.paused = false }
func (w *fakeWidget) StopTracks() {}
func (w *fakeWidget) Remove()     { w.removed = true }

type fakeAudio struct {
	url     string
	stopped bool
}

func (a *fakeAudio) Stop() { a.stopped = true }

// fakeResolver serves media URLs from a static set and records releases.
type fakeResolver struct {
	mu       sync.Mutex
	missing  map[int]bool
	hints    map[int]time.Duration
	released []int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{missing: make(map[int]bool), hints: make(map[int]time.Duration)}
}

func (r *fakeResolver) MediaURL(layoutID, fileID int) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[fileID] {
		return "", "", fmt.Errorf("media %d is not cached", fileID)
	}
	return fmt.Sprintf("/cache/media/%d", fileID), "image/png", nil
}

func (r *fakeResolver) WidgetHTMLURL(layoutID int, regionID string, widgetID int) (string, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("/cache/widget/%d/%s/%d", layoutID, regionID, widgetID), r.hints[widgetID], nil
}

func (r *fakeResolver) ReleaseLayout(layoutID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, layoutID)
}

type harness struct {
	rend     *Renderer
	surface  *fakeSurface
	resolver *fakeResolver
	clock    *fakeClock
	bus      *events.Bus
	mu       sync.Mutex
	log      []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		surface:  newFakeSurface(),
		resolver: newFakeResolver(),
		clock:    newFakeClock(),
		bus:      events.NewBus(),
	}
	h.bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		h.log = append(h.log, e)
		h.mu.Unlock()
	})
	h.rend = New(h.surface, h.resolver, h.bus, logger.Nop{}, h.clock, func(f func()) { f() })
	return h
}

func (h *harness) eventTypes() []events.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Type, len(h.log))
	for i, e := range h.log {
		out[i] = e.Type
	}
	return out
}

func (h *harness) count(t events.Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.log {
		if e.Type == t {
			n++
		}
	}
	return n
}

const twoWidgetXLF = `<layout width="1920" height="1080">
  <region id="r1" width="1920" height="1080" top="0" left="0">
    <options><loop>0</loop></options>
    <media id="101" type="image" duration="10" fileId="42"/>
    <media id="102" type="image" duration="10" fileId="43"/>
  </region>
</layout>`

const oneWidgetXLF = `<layout width="1920" height="1080">
  <region id="r1" width="1920" height="1080" top="0" left="0">
    <options><loop>0</loop></options>
    <media id="101" type="image" duration="10" fileId="42"/>
  </region>
</layout>`

func TestColdRender_LayoutStartBeforeWidgetStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(7, []byte(oneWidgetXLF)))

	types := h.eventTypes()
	startIdx, widgetIdx := -1, -1
	for i, typ := range types {
		if typ == events.LayoutStart && startIdx == -1 {
			startIdx = i
		}
		if typ == events.WidgetStart && widgetIdx == -1 {
			widgetIdx = i
		}
	}
	require.NotEqual(t, -1, startIdx)
	require.NotEqual(t, -1, widgetIdx)
	assert.Less(t, startIdx, widgetIdx, "layoutStart must precede any widgetStart")
	assert.Equal(t, 7, h.rend.CurrentLayoutID())
}

func TestRegionCycle_AdvanceAndHold(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(7, []byte(twoWidgetXLF)))

	region := h.surface.regionByID("r1")
	require.NotNil(t, region)
	assert.True(t, region.widgets[101].visible)
	assert.False(t, region.widgets[102].visible)

	h.clock.advance(10 * time.Second)
	assert.False(t, region.widgets[101].visible, "first widget hidden after its duration")
	assert.True(t, region.widgets[102].visible)
	assert.Equal(t, 1, h.count(events.WidgetEnd))
	assert.Equal(t, 2, h.count(events.WidgetStart))

	// loop=0: after the wrap the last widget stays up with no further
	// cycling.
	h.clock.advance(10 * time.Second)
	assert.True(t, region.widgets[102].visible)
	prevStarts := h.count(events.WidgetStart)
	h.clock.advance(time.Hour)
	assert.Equal(t, prevStarts, h.count(events.WidgetStart), "no cycling after a non-looping region completes")
}

func TestSingleWidgetNoLoop_NoTimerNoEnd(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(7, []byte(oneWidgetXLF)))

	region := h.surface.regionByID("r1")
	require.True(t, region.widgets[101].visible)

	// The layout timer fires (10s) but the widget itself never hides from
	// region cycling.
	h.clock.advance(10 * time.Second)
	assert.Equal(t, 0, h.count(events.WidgetEnd))
	assert.True(t, region.widgets[101].visible)
}

func TestLayoutEnd_EmittedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(7, []byte(oneWidgetXLF)))

	h.clock.advance(10 * time.Second)
	assert.Equal(t, 1, h.count(events.LayoutEnd))

	// A stop after natural expiry must not emit a second end.
	h.rend.StopCurrentLayout()
	assert.Equal(t, 1, h.count(events.LayoutEnd))
}

// TestReplay_ReusesElements is the replay invariant: same element object,
// no release, no rebuild.
func TestReplay_ReusesElements(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(7, []byte(oneWidgetXLF)))

	region := h.surface.regionByID("r1")
	elementBefore := region.widgets[101]
	regionCount := len(h.surface.regions)

	h.clock.advance(10 * time.Second) // layoutEnd
	require.NoError(t, h.rend.RenderLayout(7, []byte(oneWidgetXLF)))

	assert.Same(t, elementBefore, h.surface.regionByID("r1").widgets[101],
		"replay must reuse the pre-created element")
	assert.Len(t, h.surface.regions, regionCount, "replay must not rebuild the region tree")
	assert.Empty(t, h.resolver.released, "replay must not release media references")
	assert.Equal(t, 2, h.count(events.LayoutStart))
	assert.True(t, elementBefore.visible)
}

// TestPreloadSwap covers the warm-to-hot path: built hidden during preload,
// made visible at swap with no rebuild, old layout released exactly once.
func TestPreloadSwap(t *testing.T) {
	h := newHarness(t)
	l2 := `<layout width="1920" height="1080">
	  <region id="r2" width="1920" height="1080" top="0" left="0">
	    <media id="201" type="image" duration="30" fileId="50"/>
	  </region>
	</layout>`

	require.NoError(t, h.rend.RenderLayout(1, []byte(oneWidgetXLF)))
	require.NoError(t, h.rend.PreloadLayout(2, []byte(l2)))
	assert.True(t, h.rend.HasPreloaded(2))

	warm := h.surface.regionByID("r2")
	require.NotNil(t, warm)
	assert.False(t, warm.visible, "preloaded regions stay hidden")
	assert.Equal(t, 0, warm.widgets[201].shows, "no events or playback during preload")

	// Preload again: idempotent.
	require.NoError(t, h.rend.PreloadLayout(2, []byte(l2)))

	regionsBefore := len(h.surface.regions)
	h.clock.advance(10 * time.Second) // layout 1 expires
	require.NoError(t, h.rend.RenderLayout(2, nil))

	assert.Len(t, h.surface.regions, regionsBefore, "swap must not create new region surfaces")
	assert.True(t, warm.visible, "warm entry becomes visible at swap")
	assert.True(t, warm.widgets[201].visible)
	assert.Equal(t, []int{1}, h.resolver.released, "old layout released exactly once")
	assert.Equal(t, 2, h.rend.CurrentLayoutID())

	// layoutStart(2) precedes widgetStart(201).
	var seenStart bool
	h.mu.Lock()
	for _, e := range h.log {
		if e.Type == events.LayoutStart && e.LayoutID == 2 {
			seenStart = true
		}
		if e.Type == events.WidgetStart && e.LayoutID == 2 {
			require.True(t, seenStart, "layoutStart(2) must precede its widgetStarts")
		}
	}
	h.mu.Unlock()
}

func TestColdSwitch_ReleasesOldLayout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(1, []byte(oneWidgetXLF)))
	require.NoError(t, h.rend.RenderLayout(2, []byte(twoWidgetXLF)))
	assert.Equal(t, []int{1}, h.resolver.released)
	assert.Equal(t, 2, h.rend.CurrentLayoutID())
}

func TestPreloadRequests_At75And90Percent(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080" duration="60">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="60" fileId="42"/>
	  </region>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	h.clock.advance(44 * time.Second)
	assert.Equal(t, 0, h.count(events.RequestPreload))
	h.clock.advance(2 * time.Second) // crosses 45s = 75%
	assert.Equal(t, 1, h.count(events.RequestPreload))
	h.clock.advance(9 * time.Second) // crosses 54s = 90%
	assert.Equal(t, 2, h.count(events.RequestPreload))
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rend.RenderLayout(7, []byte(twoWidgetXLF)))

	h.clock.advance(4 * time.Second)
	h.rend.Pause()
	assert.Equal(t, 1, h.count(events.Paused))

	region := h.surface.regionByID("r1")
	assert.True(t, region.widgets[101].paused)

	// Time passing while paused changes nothing.
	h.clock.advance(time.Hour)
	assert.Equal(t, 0, h.count(events.WidgetEnd))
	assert.True(t, region.widgets[101].visible)

	h.rend.Resume()
	assert.Equal(t, 1, h.count(events.Resumed))
	h.clock.advance(6 * time.Second) // remaining widget time
	assert.Equal(t, 1, h.count(events.WidgetEnd))
	assert.True(t, region.widgets[102].visible)
}

func TestTransitionSpecs_AllDirections(t *testing.T) {
	h := newHarness(t)
	frame := Frame{Width: 400, Height: 300}

	cases := []struct {
		dir      models.CompassDirection
		dx, dy   float64
	}{
		{models.DirN, 0, -300}, {models.DirNE, 400, -300}, {models.DirE, 400, 0},
		{models.DirSE, 400, 300}, {models.DirS, 0, 300}, {models.DirSW, -400, 300},
		{models.DirW, -400, 0}, {models.DirNW, -400, -300},
	}
	for _, tc := range cases {
		in := h.rend.transitionSpec(&models.Transition{
			Type: models.TransitionFlyIn, Duration: time.Second, Direction: tc.dir,
		}, frame)
		require.NotNil(t, in, "direction %s", tc.dir)
		assert.Equal(t, tc.dx, in.FromX, "flyIn %s FromX", tc.dir)
		assert.Equal(t, tc.dy, in.FromY, "flyIn %s FromY", tc.dir)
		assert.Zero(t, in.ToX)
		assert.Zero(t, in.ToY)

		out := h.rend.transitionSpec(&models.Transition{
			Type: models.TransitionFlyOut, Duration: time.Second, Direction: tc.dir,
		}, frame)
		assert.Equal(t, tc.dx, out.ToX, "flyOut %s ToX", tc.dir)
		assert.Equal(t, tc.dy, out.ToY, "flyOut %s ToY", tc.dir)
	}

	fade := h.rend.transitionSpec(&models.Transition{Type: models.TransitionFadeIn, Duration: time.Second}, frame)
	assert.Equal(t, 0.0, fade.FadeFrom)
	assert.Equal(t, 1.0, fade.FadeTo)
	assert.Nil(t, h.rend.transitionSpec(nil, frame))
}

func TestScale_Letterbox(t *testing.T) {
	h := newHarness(t)
	h.surface.w, h.surface.h = 1280, 1024 // 4:3-ish container for a 16:9 layout

	layout := &models.Layout{ID: 1, Width: 1920, Height: 1080}
	region := &models.Region{ID: "r", Left: 0, Top: 0, Width: 1920, Height: 1080}

	frame := h.rend.scaleRegion(layout, region)
	sf := 1280.0 / 1920.0
	assert.InDelta(t, 0, frame.Left, 0.001)
	assert.InDelta(t, (1024-1080*sf)/2, frame.Top, 0.001, "vertically centered")
	assert.InDelta(t, 1920*sf, frame.Width, 0.001)
	assert.InDelta(t, 1080*sf, frame.Height, 0.001)
}

func TestWidgetTimeWindow_FutureWidgetExcluded(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="10" fileId="42"/>
	    <media id="102" type="image" duration="10" fileId="43" fromDt="2099-01-01 00:00:00"/>
	  </region>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	h.clock.advance(30 * time.Second)
	h.mu.Lock()
	for _, e := range h.log {
		assert.NotEqual(t, 102, e.WidgetID, "future-windowed widget must not play")
	}
	h.mu.Unlock()
}

func TestSubPlaylist_CycleRoundRobin(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="10" fileId="42" parentWidgetId="900" cyclePlayback="1"/>
	    <media id="102" type="image" duration="10" fileId="43" parentWidgetId="900" cyclePlayback="1"/>
	  </region>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	region := h.surface.regionByID("r1")
	assert.True(t, region.widgets[101].visible, "first render picks the first group member")
	assert.False(t, region.widgets[102].visible)

	h.clock.advance(10 * time.Second) // layoutEnd
	require.NoError(t, h.rend.RenderLayout(7, nil))
	assert.True(t, region.widgets[102].visible, "next render rotates the group")
	assert.False(t, region.widgets[101].visible)
}

// TestLayoutDuration_MaxRegionSumExcludingDrawers: the layout runs for the
// longest region's summed widget durations; drawers never contribute.
func TestLayoutDuration_MaxRegionSumExcludingDrawers(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="a" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="10" fileId="42"/>
	    <media id="102" type="image" duration="20" fileId="43"/>
	  </region>
	  <region id="b" width="100" height="100" top="0" left="100">
	    <media id="103" type="image" duration="25" fileId="44"/>
	  </region>
	  <drawer id="d" width="100" height="100" top="0" left="0">
	    <media id="104" type="image" duration="300" fileId="45"/>
	  </drawer>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	h.clock.advance(29 * time.Second)
	assert.Equal(t, 0, h.count(events.LayoutEnd))
	h.clock.advance(1 * time.Second)
	assert.Equal(t, 1, h.count(events.LayoutEnd), "layout ends at the longest non-drawer region sum")
}

func TestDynamicDurationUpdate(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="video" duration="10" useDuration="0" fileId="42"/>
	  </region>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	// The video's metadata arrives: it is actually 25s long.
	h.rend.OnMediaDurationKnown(7, 101, 25*time.Second)

	h.clock.advance(10 * time.Second)
	assert.Equal(t, 0, h.count(events.LayoutEnd), "old duration no longer applies")
	h.clock.advance(15 * time.Second)
	assert.Equal(t, 1, h.count(events.LayoutEnd), "layout ends at the updated duration")
}

func TestDrawer_RevealAndAutoHide(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="300" fileId="42"/>
	  </region>
	  <drawer id="d1" width="100" height="100" top="0" left="0">
	    <media id="301" type="image" duration="5" fileId="44"/>
	    <media id="302" type="image" duration="5" fileId="45"/>
	  </drawer>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	drawer := h.surface.regionByID("d1")
	require.NotNil(t, drawer)
	assert.False(t, drawer.visible, "drawers start hidden")

	h.rend.NavigateToWidget(301)
	assert.True(t, drawer.visible, "navWidget reveals the drawer")
	assert.True(t, drawer.widgets[301].visible)

	// Let the drawer cycle complete.
	h.clock.advance(10 * time.Second)
	assert.False(t, drawer.visible, "drawer auto-hides after its cycle")
}

func TestMissingMedia_FaultAndProceed(t *testing.T) {
	h := newHarness(t)
	h.resolver.missing[42] = true
	require.NoError(t, h.rend.RenderLayout(7, []byte(twoWidgetXLF)))

	assert.GreaterOrEqual(t, h.count(events.Fault), 1, "missing media surfaces a fault")
	assert.Equal(t, 7, h.rend.CurrentLayoutID(), "playback proceeds with the placeholder")
}

func TestAudioOverlays_StartAndStop(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="10" fileId="42">
	      <audio><uri mediaId="55" volume="70" loop="0">55.mp3</uri></audio>
	    </media>
	    <media id="102" type="image" duration="10" fileId="43"/>
	  </region>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	h.surface.mu.Lock()
	require.Len(t, h.surface.audio, 1)
	first := h.surface.audio[0]
	h.surface.mu.Unlock()
	assert.Equal(t, "/cache/media/55", first.url)
	assert.False(t, first.stopped)

	h.clock.advance(10 * time.Second)
	assert.True(t, first.stopped, "overlay stops when its widget hides")
}

func TestActionTrigger_TouchOnRegion(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="10" fileId="42"/>
	    <action id="5" triggerType="touch" actionType="next"/>
	  </region>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	region := h.surface.regionByID("r1")
	require.NotNil(t, region.tap)
	region.tap()

	assert.Equal(t, 1, h.count(events.ActionTrigger))
}

func TestKeyboardAction(t *testing.T) {
	h := newHarness(t)
	l := `<layout width="1920" height="1080">
	  <region id="r1" width="100" height="100" top="0" left="0">
	    <media id="101" type="image" duration="10" fileId="42"/>
	  </region>
	  <action id="8" triggerType="keyboard:F1" actionType="navLayout" targetId="9"/>
	</layout>`
	require.NoError(t, h.rend.RenderLayout(7, []byte(l)))

	require.NotNil(t, h.surface.keyHandler)
	h.surface.keyHandler("F2")
	assert.Equal(t, 0, h.count(events.ActionTrigger))
	h.surface.keyHandler("F1")
	assert.Equal(t, 1, h.count(events.ActionTrigger))

	h.mu.Lock()
	var action *models.Action
	for _, e := range h.log {
		if e.Type == events.ActionTrigger {
			action = e.Action
		}
	}
	h.mu.Unlock()
	require.NotNil(t, action)
	assert.Equal(t, models.ActionNavLayout, action.ActionType)
	assert.Equal(t, 9, action.TargetLayoutID)
}

func TestOverlays_Reconcile(t *testing.T) {
	h := newHarness(t)
	overlayXLF := `<layout width="1920" height="1080">
	  <region id="ov1" width="400" height="100" top="0" left="0">
	    <media id="501" type="image" duration="5" fileId="60"/>
	  </region>
	</layout>`

	require.NoError(t, h.rend.RenderLayout(1, []byte(oneWidgetXLF)))
	require.NoError(t, h.rend.SetOverlays([]OverlayInput{{LayoutID: 30, XLF: []byte(overlayXLF)}}))

	ids := h.rend.ActiveOverlayIDs()
	sort.Ints(ids)
	assert.Equal(t, []int{30}, ids)
	ov := h.surface.regionByID("ov1")
	require.NotNil(t, ov)
	assert.True(t, ov.widgets[501].visible)

	// Removing the overlay releases its resources.
	require.NoError(t, h.rend.SetOverlays(nil))
	assert.Empty(t, h.rend.ActiveOverlayIDs())
	assert.Contains(t, h.resolver.released, 30)
}
