package xmds

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signaged/internal/models"
)

type scheduleXML struct {
	XMLName        xml.Name           `xml:"schedule"`
	Default        defaultXML         `xml:"default"`
	Layouts        []layoutEventXML   `xml:"layout"`
	Campaigns      []campaignXML      `xml:"campaign"`
	Overlays       overlaysXML        `xml:"overlays"`
	Commands       []commandEventXML  `xml:"command"`
	Actions        []actionEventXML   `xml:"action"`
	DataConnectors []dataConnectorXML `xml:"dataconnector"`
	DayParts       []dayPartXML       `xml:"daypart"`
}

type defaultXML struct {
	File int `xml:"file,attr"`
}

type layoutEventXML struct {
	File            int      `xml:"file,attr"`
	ScheduleID      int      `xml:"scheduleid,attr"`
	FromDt          string   `xml:"fromdt,attr"`
	ToDt            string   `xml:"todt,attr"`
	Priority        int      `xml:"priority,attr"`
	IsInterrupt     string   `xml:"isInterrupt,attr"`
	ShareOfVoice    int      `xml:"shareOfVoice,attr"`
	DayPartID       int      `xml:"dayPartId,attr"`
	MaxPlaysPerHour int      `xml:"maxPlaysPerHour,attr"`
	SyncEvent       string   `xml:"syncEvent,attr"`
	Criteria        []string `xml:"criteria"`
}

type campaignXML struct {
	ID         int              `xml:"id,attr"`
	ScheduleID int              `xml:"scheduleid,attr"`
	FromDt     string           `xml:"fromdt,attr"`
	ToDt       string           `xml:"todt,attr"`
	Priority   int              `xml:"priority,attr"`
	DayPartID  int              `xml:"dayPartId,attr"`
	Layouts    []layoutEventXML `xml:"layout"`
}

type overlaysXML struct {
	Overlays []layoutEventXML `xml:"overlay"`
}

type commandEventXML struct {
	Code       string `xml:"code,attr"`
	ScheduleID int    `xml:"scheduleid,attr"`
	Date       string `xml:"date,attr"`
}

type actionEventXML struct {
	ScheduleID int    `xml:"scheduleid,attr"`
	Event      string `xml:"event,attr"`
}

type dataConnectorXML struct {
	ScheduleID int    `xml:"scheduleid,attr"`
	DataSetID  string `xml:"dataSetId,attr"`
}

type dayPartXML struct {
	ID    int       `xml:"id,attr"`
	Spans []spanXML `xml:"span"`
}

type spanXML struct {
	Days string `xml:"days,attr"`
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
}

// ParseSchedule decodes the CMS schedule document into the schedule model.
func ParseSchedule(data []byte) (*models.Schedule, error) {
	var doc scheduleXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule XML: %w", err)
	}

	sched := &models.Schedule{
		Campaigns:       make(map[int]models.Campaign),
		DayParts:        make(map[int]models.DayPart),
		DefaultLayoutID: doc.Default.File,
	}

	for _, l := range doc.Layouts {
		ev, err := convertLayoutEvent(l, false)
		if err != nil {
			return nil, err
		}
		sched.Events = append(sched.Events, ev)
	}

	for _, cp := range doc.Campaigns {
		campaign := models.Campaign{ID: cp.ID, Priority: cp.Priority}
		for _, l := range cp.Layouts {
			campaign.LayoutIDs = append(campaign.LayoutIDs, l.File)
		}
		sched.Campaigns[cp.ID] = campaign

		fromDt, err := parseScheduleDt(cp.FromDt)
		if err != nil {
			return nil, fmt.Errorf("campaign %d: %w", cp.ID, err)
		}
		toDt, err := parseScheduleDt(cp.ToDt)
		if err != nil {
			return nil, fmt.Errorf("campaign %d: %w", cp.ID, err)
		}
		sched.Events = append(sched.Events, models.ScheduleEvent{
			EventID:    cp.ScheduleID,
			CampaignID: cp.ID,
			FromDt:     fromDt,
			ToDt:       toDt,
			Priority:   cp.Priority,
			DayPartID:  cp.DayPartID,
		})
	}

	for _, o := range doc.Overlays.Overlays {
		ev, err := convertLayoutEvent(o, true)
		if err != nil {
			return nil, err
		}
		sched.Events = append(sched.Events, ev)
	}

	for _, cmd := range doc.Commands {
		dt, err := parseScheduleDt(cmd.Date)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", cmd.Code, err)
		}
		sched.Events = append(sched.Events, models.ScheduleEvent{
			EventID:     cmd.ScheduleID,
			CommandCode: cmd.Code,
			FromDt:      dt,
		})
	}
	for _, a := range doc.Actions {
		sched.Events = append(sched.Events, models.ScheduleEvent{
			EventID:     a.ScheduleID,
			ActionEvent: a.Event,
		})
	}
	for _, dc := range doc.DataConnectors {
		sched.Events = append(sched.Events, models.ScheduleEvent{
			EventID:            dc.ScheduleID,
			DataConnectorEvent: dc.DataSetID,
		})
	}

	for _, dp := range doc.DayParts {
		part := models.DayPart{ID: dp.ID}
		for _, sp := range dp.Spans {
			span, err := convertSpan(sp)
			if err != nil {
				return nil, fmt.Errorf("daypart %d: %w", dp.ID, err)
			}
			part.Spans = append(part.Spans, span)
		}
		sched.DayParts[dp.ID] = part
	}

	return sched, nil
}

func convertLayoutEvent(l layoutEventXML, overlay bool) (models.ScheduleEvent, error) {
	fromDt, err := parseScheduleDt(l.FromDt)
	if err != nil {
		return models.ScheduleEvent{}, fmt.Errorf("layout event %d: bad fromdt: %w", l.ScheduleID, err)
	}
	toDt, err := parseScheduleDt(l.ToDt)
	if err != nil {
		return models.ScheduleEvent{}, fmt.Errorf("layout event %d: bad todt: %w", l.ScheduleID, err)
	}

	ev := models.ScheduleEvent{
		EventID:         l.ScheduleID,
		FromDt:          fromDt,
		ToDt:            toDt,
		Priority:        l.Priority,
		IsInterrupt:     l.IsInterrupt == "1",
		ShareOfVoice:    l.ShareOfVoice,
		DayPartID:       l.DayPartID,
		MaxPlaysPerHour: l.MaxPlaysPerHour,
		SyncEvent:       l.SyncEvent == "1",
		Criteria:        l.Criteria,
	}
	if overlay {
		ev.OverlayLayoutID = l.File
	} else {
		ev.LayoutID = l.File
	}
	return ev, nil
}

func convertSpan(sp spanXML) (models.DayPartSpan, error) {
	span := models.DayPartSpan{Days: make(map[time.Weekday]bool)}
	for _, d := range strings.Split(sp.Days, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		iso, err := strconv.Atoi(d)
		if err != nil || iso < 1 || iso > 7 {
			return models.DayPartSpan{}, fmt.Errorf("bad ISO day %q", d)
		}
		// ISO Mon=1..Sun=7; time.Weekday has Sun=0.
		span.Days[time.Weekday(iso%7)] = true
	}

	var err error
	if span.FromTime, err = parseClock(sp.From); err != nil {
		return models.DayPartSpan{}, err
	}
	if span.ToTime, err = parseClock(sp.To); err != nil {
		return models.DayPartSpan{}, err
	}
	return span, nil
}

// parseClock converts "HH:MM" (or "24:00") to an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	h, m, found := strings.Cut(s, ":")
	if !found {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	hours, err1 := strconv.Atoi(h)
	mins, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hours < 0 || hours > 24 || mins < 0 || mins > 59 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute, nil
}

func parseScheduleDt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}
