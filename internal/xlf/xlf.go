package xlf

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signaged/internal/models"
)

// layoutXML is the root element of an XLF document.
type layoutXML struct {
	XMLName         xml.Name    `xml:"layout"`
	Width           float64     `xml:"width,attr"`
	Height          float64     `xml:"height,attr"`
	Duration        int         `xml:"duration,attr"`
	BackgroundColor string      `xml:"bgcolor,attr"`
	Background      string      `xml:"background,attr"`
	EnableStat      string      `xml:"enableStat,attr"`
	Regions         []regionXML `xml:"region"`
	Drawers         []regionXML `xml:"drawer"`
	Actions         []actionXML `xml:"action"`
}

type regionXML struct {
	ID         string      `xml:"id,attr"`
	Width      float64     `xml:"width,attr"`
	Height     float64     `xml:"height,attr"`
	Top        float64     `xml:"top,attr"`
	Left       float64     `xml:"left,attr"`
	ZIndex     int         `xml:"zindex,attr"`
	EnableStat string      `xml:"enableStat,attr"`
	Options    optionMap   `xml:"options"`
	Media      []mediaXML  `xml:"media"`
	Actions    []actionXML `xml:"action"`
}

type mediaXML struct {
	ID             int         `xml:"id,attr"`
	Type           string      `xml:"type,attr"`
	Duration       int         `xml:"duration,attr"`
	UseDuration    string      `xml:"useDuration,attr"`
	FileID         int         `xml:"fileId,attr"`
	FromDt         string      `xml:"fromDt,attr"`
	ToDt           string      `xml:"toDt,attr"`
	EnableStat     string      `xml:"enableStat,attr"`
	Render         string      `xml:"render,attr"`
	ParentWidgetID int         `xml:"parentWidgetId,attr"`
	DisplayOrder   int         `xml:"displayOrder,attr"`
	CyclePlayback  string      `xml:"cyclePlayback,attr"`
	IsRandom       string      `xml:"isRandom,attr"`
	Options        optionMap   `xml:"options"`
	Raw            rawXML      `xml:"raw"`
	Audio          audioXML    `xml:"audio"`
	Commands       commandsXML `xml:"commands"`
	Actions        []actionXML `xml:"action"`
}

type rawXML struct {
	Inner string `xml:",innerxml"`
}

type audioXML struct {
	URIs []audioURIXML `xml:"uri"`
}

type audioURIXML struct {
	MediaID int    `xml:"mediaId,attr"`
	Volume  string `xml:"volume,attr"`
	Loop    string `xml:"loop,attr"`
	Value   string `xml:",chardata"`
}

type commandsXML struct {
	Commands []string `xml:"command"`
}

type actionXML struct {
	ID          int    `xml:"id,attr"`
	TriggerType string `xml:"triggerType,attr"`
	ActionType  string `xml:"actionType,attr"`
	LayoutCode  string `xml:"layoutCode,attr"`
	TargetID    int    `xml:"targetId,attr"`
	WidgetID    int    `xml:"widgetId,attr"`
	CommandCode string `xml:"commandCode,attr"`
	Source      string `xml:"source,attr"`
	SourceID    string `xml:"sourceId,attr"`
}

// optionMap captures the <options> block, whose children are arbitrary
// key-named elements with text content.
type optionMap map[string]string

func (m *optionMap) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	out := optionMap{}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			var value string
			if err := d.DecodeElement(&value, &el); err != nil {
				return err
			}
			out[el.Name.Local] = strings.TrimSpace(value)
		case xml.EndElement:
			if el.Name == start.Name {
				*m = out
				return nil
			}
		}
	}
}

const dtLayout = "2006-01-02 15:04:05"

// Parse decodes one XLF document into the layout model. The layoutID is
// supplied by the caller (the XLF body does not repeat it).
func Parse(data []byte, layoutID int) (*models.Layout, error) {
	var doc layoutXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XLF for layout %d: %w", layoutID, err)
	}

	if doc.Width <= 0 || doc.Height <= 0 {
		return nil, fmt.Errorf("layout %d has invalid dimensions %gx%g", layoutID, doc.Width, doc.Height)
	}

	layout := &models.Layout{
		ID:              layoutID,
		Width:           doc.Width,
		Height:          doc.Height,
		Duration:        time.Duration(doc.Duration) * time.Second,
		BackgroundColor: doc.BackgroundColor,
		EnableStat:      parseBool(doc.EnableStat),
	}
	if doc.Background != "" {
		if id, err := strconv.Atoi(strings.TrimSuffix(doc.Background, ".jpg")); err == nil {
			layout.BackgroundImage = id
		}
	}

	for i := range doc.Regions {
		region, err := convertRegion(&doc.Regions[i], false)
		if err != nil {
			return nil, fmt.Errorf("layout %d: %w", layoutID, err)
		}
		layout.Regions = append(layout.Regions, *region)
	}
	for i := range doc.Drawers {
		drawer, err := convertRegion(&doc.Drawers[i], true)
		if err != nil {
			return nil, fmt.Errorf("layout %d: %w", layoutID, err)
		}
		layout.Drawers = append(layout.Drawers, *drawer)
	}
	for _, a := range doc.Actions {
		layout.Actions = append(layout.Actions, convertAction(a, "", 0))
	}

	return layout, nil
}

func convertRegion(r *regionXML, drawer bool) (*models.Region, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("region is missing its id attribute")
	}

	region := &models.Region{
		ID:         r.ID,
		Left:       r.Left,
		Top:        r.Top,
		Width:      r.Width,
		Height:     r.Height,
		ZIndex:     r.ZIndex,
		EnableStat: parseBool(r.EnableStat),
		IsDrawer:   drawer,
		Loop:       r.Options["loop"] == "1",
	}
	if drawer && region.ZIndex == 0 {
		region.ZIndex = 2000
	}
	if t := parseTransition(r.Options["transOut"], r.Options["transOutDuration"], r.Options["transOutDirection"]); t != nil {
		region.Exit = t
	}

	for i := range r.Media {
		w, err := convertMedia(&r.Media[i], r.ID)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", r.ID, err)
		}
		region.Widgets = append(region.Widgets, *w)
	}
	for _, a := range r.Actions {
		region.Actions = append(region.Actions, convertAction(a, r.ID, 0))
	}
	return region, nil
}

func convertMedia(m *mediaXML, regionID string) (*models.Widget, error) {
	wtype := models.WidgetType(m.Type)
	switch wtype {
	case models.WidgetImage, models.WidgetVideo, models.WidgetAudio, models.WidgetWebcam,
		models.WidgetText, models.WidgetPDF, models.WidgetWebpage, models.WidgetGeneric:
	case "":
		return nil, fmt.Errorf("media %d is missing its type attribute", m.ID)
	default:
		// Unknown types still flow through so the renderer can show the
		// unsupported-content placeholder instead of failing the layout.
		wtype = models.WidgetGeneric
	}

	w := &models.Widget{
		ID:             m.ID,
		Type:           wtype,
		FileID:         m.FileID,
		Duration:       time.Duration(m.Duration) * time.Second,
		UseDuration:    parseBool(m.UseDuration),
		EnableStat:     parseBool(m.EnableStat),
		Render:         m.Render,
		ParentWidgetID: m.ParentWidgetID,
		DisplayOrder:   m.DisplayOrder,
		CyclePlayback:  parseBool(m.CyclePlayback),
		IsRandom:       parseBool(m.IsRandom),
		Commands:       m.Commands.Commands,
	}

	var err error
	if w.FromDt, err = parseDt(m.FromDt); err != nil {
		return nil, fmt.Errorf("media %d: bad fromDt: %w", m.ID, err)
	}
	if w.ToDt, err = parseDt(m.ToDt); err != nil {
		return nil, fmt.Errorf("media %d: bad toDt: %w", m.ID, err)
	}

	w.Options = convertOptions(m.Options, m.Raw.Inner)
	w.In = parseTransition(w.Options.TransIn, m.Options["transInDuration"], m.Options["transInDirection"])
	w.Out = parseTransition(w.Options.TransOut, m.Options["transOutDuration"], m.Options["transOutDirection"])

	for _, uri := range m.Audio.URIs {
		vol := 100
		if uri.Volume != "" {
			if v, err := strconv.Atoi(uri.Volume); err == nil {
				vol = v
			}
		}
		w.Audio = append(w.Audio, models.AudioOverlay{
			MediaID: uri.MediaID,
			Volume:  vol,
			Loop:    parseBool(uri.Loop),
		})
	}
	for _, a := range m.Actions {
		w.Actions = append(w.Actions, convertAction(a, regionID, m.ID))
	}
	return w, nil
}

func convertOptions(opts optionMap, raw string) models.WidgetOptions {
	o := models.WidgetOptions{
		URI:            opts["uri"],
		Loop:           parseBool(opts["loop"]),
		Mute:           parseBool(opts["mute"]),
		ScaleType:      opts["scaleType"],
		AlignID:        opts["alignId"],
		ValignID:       opts["valignId"],
		ShowFullScreen: parseBool(opts["showFullScreen"]),
		Mirror:         parseBool(opts["mirror"]),
		CaptureAudio:   parseBool(opts["captureAudio"]),
		ModeID:         opts["modeId"],
		TransIn:        opts["transIn"],
		TransOut:       opts["transOut"],
		TransInDir:     models.CompassDirection(opts["transInDirection"]),
		TransOutDir:    models.CompassDirection(opts["transOutDirection"]),
		WebhookURL:     opts["webhookUrl"],
		RawHTML:        raw,
		All:            map[string]string(opts),
	}
	o.Volume = 100
	if v, err := strconv.Atoi(opts["volume"]); err == nil {
		o.Volume = v
	}
	if ms, err := strconv.Atoi(opts["transInDuration"]); err == nil {
		o.TransInDur = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.Atoi(opts["transOutDuration"]); err == nil {
		o.TransOutDur = time.Duration(ms) * time.Millisecond
	}
	return o
}

func convertAction(a actionXML, regionID string, widgetID int) models.Action {
	action := models.Action{
		ID:             a.ID,
		ActionType:     models.ActionType(a.ActionType),
		TargetLayoutID: a.TargetID,
		TargetWidgetID: a.WidgetID,
		CommandCode:    a.CommandCode,
		SourceRegionID: regionID,
		SourceWidgetID: widgetID,
	}
	switch {
	case a.TriggerType == string(models.TriggerTouch):
		action.TriggerType = models.TriggerTouch
	case a.TriggerType == string(models.TriggerWebhook):
		action.TriggerType = models.TriggerWebhook
	case strings.HasPrefix(a.TriggerType, "keyboard"):
		action.TriggerType = models.TriggerKeyboard
		if _, key, found := strings.Cut(a.TriggerType, ":"); found {
			action.Key = key
		}
	}
	return action
}

func parseTransition(name, durationMs, direction string) *models.Transition {
	var ttype models.TransitionType
	switch name {
	case "fadeIn":
		ttype = models.TransitionFadeIn
	case "fadeOut":
		ttype = models.TransitionFadeOut
	case "flyIn":
		ttype = models.TransitionFlyIn
	case "flyOut":
		ttype = models.TransitionFlyOut
	default:
		return nil
	}
	t := &models.Transition{Type: ttype, Duration: time.Second}
	if ms, err := strconv.Atoi(durationMs); err == nil && ms > 0 {
		t.Duration = time.Duration(ms) * time.Millisecond
	}
	if direction != "" {
		t.Direction = models.CompassDirection(direction)
	}
	return t
}

func parseDt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dtLayout, s)
}

func parseBool(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}
