package models

import "time"

// TransitionType enumerates the supported widget transitions.
type TransitionType string

const (
	TransitionFadeIn  TransitionType = "fadeIn"
	TransitionFadeOut TransitionType = "fadeOut"
	TransitionFlyIn   TransitionType = "flyIn"
	TransitionFlyOut  TransitionType = "flyOut"
)

// CompassDirection is the fly direction for flyIn/flyOut transitions.
type CompassDirection string

const (
	DirN  CompassDirection = "N"
	DirNE CompassDirection = "NE"
	DirE  CompassDirection = "E"
	DirSE CompassDirection = "SE"
	DirS  CompassDirection = "S"
	DirSW CompassDirection = "SW"
	DirW  CompassDirection = "W"
	DirNW CompassDirection = "NW"
)

// Transition describes one in or out transition on a widget or region.
type Transition struct {
	Type      TransitionType
	Duration  time.Duration
	Direction CompassDirection
}

// WidgetType enumerates the media types a widget can carry.
type WidgetType string

const (
	WidgetImage   WidgetType = "image"
	WidgetVideo   WidgetType = "video"
	WidgetAudio   WidgetType = "audio"
	WidgetWebcam  WidgetType = "webcam"
	WidgetText    WidgetType = "text"
	WidgetPDF     WidgetType = "pdf"
	WidgetWebpage WidgetType = "webpage"
	WidgetGeneric WidgetType = "generic"
)

// RendersFromFile reports whether this widget type sources its content from a
// cached media blob rather than CMS-rendered HTML.
func (t WidgetType) RendersFromFile() bool {
	switch t {
	case WidgetImage, WidgetVideo, WidgetAudio, WidgetPDF:
		return true
	}
	return false
}

// AudioOverlay is background audio attached to a widget, playing in parallel
// with the visual content.
type AudioOverlay struct {
	MediaID int
	Volume  int // 0-100
	Loop    bool
}

// ActionTriggerType enumerates how an Action fires.
type ActionTriggerType string

const (
	TriggerTouch    ActionTriggerType = "touch"
	TriggerKeyboard ActionTriggerType = "keyboard"
	TriggerWebhook  ActionTriggerType = "webhook"
)

// ActionType enumerates what an Action does when it fires.
type ActionType string

const (
	ActionNavLayout ActionType = "navLayout"
	ActionNavWidget ActionType = "navWidget"
	ActionCommand   ActionType = "command"
	ActionNext      ActionType = "next"
	ActionPrevious  ActionType = "previous"
)

// Action is an interactive trigger attached to a layout, region or widget.
type Action struct {
	ID          int
	TriggerType ActionTriggerType
	// Key is the keyboard key for TriggerKeyboard actions ("keyboard:<key>").
	Key            string
	ActionType     ActionType
	TargetLayoutID int
	TargetWidgetID int
	CommandCode    string
	// Source identifies where the action is attached.
	SourceRegionID string
	SourceWidgetID int
}

// WidgetOptions is the typed form of the XLF per-widget option map. Only the
// recognized option keys are decoded; everything else stays in Raw.
type WidgetOptions struct {
	URI            string
	Loop           bool
	Mute           bool
	Volume         int
	ScaleType      string
	AlignID        string
	ValignID       string
	ShowFullScreen bool
	Mirror         bool
	CaptureAudio   bool
	ModeID         string
	TransIn        string
	TransOut       string
	TransInDur     time.Duration
	TransOutDur    time.Duration
	TransInDir     CompassDirection
	TransOutDir    CompassDirection
	WebhookURL     string
	// RawHTML carries inline markup for text/ticker widgets.
	RawHTML string
	// All preserves every option key verbatim for widget types that consume
	// options the player does not interpret itself.
	All map[string]string
}

// Widget is one media/content item shown in a region for a bounded duration.
type Widget struct {
	ID       int
	Type     WidgetType
	FileID   int
	Duration time.Duration
	// UseDuration false means the duration comes from the media itself
	// (video length, CMS DURATION hint).
	UseDuration bool
	FromDt      time.Time
	ToDt        time.Time
	EnableStat  bool
	Render      string
	In          *Transition
	Out         *Transition
	Options     WidgetOptions
	Audio       []AudioOverlay
	Commands    []string
	Actions     []Action

	// Sub-playlist grouping.
	ParentWidgetID int
	DisplayOrder   int
	CyclePlayback  bool
	IsRandom       bool
}

// ActiveAt reports whether the widget's optional time window covers t.
func (w *Widget) ActiveAt(t time.Time) bool {
	if !w.FromDt.IsZero() && t.Before(w.FromDt) {
		return false
	}
	if !w.ToDt.IsZero() && t.After(w.ToDt) {
		return false
	}
	return true
}

// Region is a rectangle on the layout canvas cycling an ordered widget list.
type Region struct {
	ID     string
	Left   float64
	Top    float64
	Width  float64
	Height float64
	ZIndex int
	// Loop false means stop after one cycle and keep showing the last widget.
	Loop       bool
	EnableStat bool
	IsDrawer   bool
	Exit       *Transition
	Widgets    []Widget
	Actions    []Action
}

// Layout is an immutable descriptor parsed from one XLF document.
type Layout struct {
	ID              int
	Width           float64
	Height          float64
	Duration        time.Duration // 0 = compute from widgets
	BackgroundColor string
	BackgroundImage int // fileId, 0 = none
	EnableStat      bool
	Regions         []Region
	Drawers         []Region
	Actions         []Action
}

// Region returns the region with the given id, searching drawers too.
func (l *Layout) Region(id string) *Region {
	for i := range l.Regions {
		if l.Regions[i].ID == id {
			return &l.Regions[i]
		}
	}
	for i := range l.Drawers {
		if l.Drawers[i].ID == id {
			return &l.Drawers[i]
		}
	}
	return nil
}

// FindWidget locates a widget by id anywhere in the layout. The containing
// region is returned alongside it.
func (l *Layout) FindWidget(widgetID int) (*Region, *Widget) {
	search := func(regions []Region) (*Region, *Widget) {
		for i := range regions {
			for j := range regions[i].Widgets {
				if regions[i].Widgets[j].ID == widgetID {
					return &regions[i], &regions[i].Widgets[j]
				}
			}
		}
		return nil, nil
	}
	if r, w := search(l.Regions); w != nil {
		return r, w
	}
	return search(l.Drawers)
}
