package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"signaged/internal/logger"
	"signaged/internal/models"
)

// LayoutRef names one nominated layout together with the event that
// scheduled it.
type LayoutRef struct {
	LayoutID int
	EventID  int
	// Interrupt marks a selection made from the interrupt set; the core
	// reports its on-screen time back so share-of-voice accrues.
	Interrupt bool
}

// Result is the outcome of one selection pass.
type Result struct {
	// Foreground is the layout that must be showing now. Zero LayoutID
	// means no content is available anywhere.
	Foreground LayoutRef
	// Overlays are rendered independently in the overlay layer.
	Overlays []LayoutRef
	// NoContent is set when not even the default layout exists.
	NoContent bool
}

type interval struct {
	from, to time.Duration // monotonic offsets
}

// Scheduler selects which layout (and overlays) must be showing at any
// instant. Selection is deterministic for a given (schedule, clocks, play
// history) state; all mutation happens through RecordPlay and
// RecordInterruptShown.
type Scheduler struct {
	mu     sync.Mutex
	logger logger.Logger

	schedule *models.Schedule
	now      func() time.Time
	// mono is a monotonic elapsed-time source; share-of-voice pacing uses
	// it so wall-clock adjustments cannot skew the interleave.
	mono      func() time.Duration
	monoStart time.Time

	plays        map[int][]time.Time // layoutID → completed-play times
	interruptLog map[int][]interval  // eventID → on-screen intervals
	rrCursor     map[string]int      // tied-set signature → rotation index
	campaignIdx  map[int]int         // campaignID → current layout index
	criteria     []string
}

// New creates an empty scheduler.
func New(log logger.Logger) *Scheduler {
	start := time.Now()
	return &Scheduler{
		logger:       log,
		now:          time.Now,
		mono:         func() time.Duration { return time.Since(start) },
		plays:        make(map[int][]time.Time),
		interruptLog: make(map[int][]interval),
		rrCursor:     make(map[string]int),
		campaignIdx:  make(map[int]int),
	}
}

// SetClocks overrides the wall and monotonic clocks. Tests use this.
func (s *Scheduler) SetClocks(now func() time.Time, mono func() time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.mono = mono
}

// SetSchedule installs a freshly parsed schedule document.
func (s *Scheduler) SetSchedule(sched *models.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = sched
}

// Schedule returns the installed schedule (nil before the first collection).
func (s *Scheduler) Schedule() *models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// SetCriteria stores push-delivered filter criteria. They are accepted and
// retained but not yet applied to event filtering.
func (s *Scheduler) SetCriteria(criteria []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criteria = criteria
}

// Select produces the currently required foreground layout and overlays.
func (s *Scheduler) Select() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil {
		return Result{NoContent: true}
	}
	now := s.now()

	active := s.activeEvents(now)

	// Interrupts first: any due interrupt preempts the normal set.
	if ref, ok := s.dueInterrupt(active); ok {
		return Result{Foreground: ref, Overlays: s.selectOverlays(now)}
	}

	// Normal set: maximum priority wins; ties rotate.
	var candidates []models.ScheduleEvent
	best := 0
	for _, ev := range active {
		if ev.IsInterrupt {
			continue
		}
		switch {
		case len(candidates) == 0 || ev.Priority > best:
			candidates = []models.ScheduleEvent{ev}
			best = ev.Priority
		case ev.Priority == best:
			candidates = append(candidates, ev)
		}
	}

	if len(candidates) == 0 {
		if s.schedule.DefaultLayoutID != 0 {
			return Result{
				Foreground: LayoutRef{LayoutID: s.schedule.DefaultLayoutID},
				Overlays:   s.selectOverlays(now),
			}
		}
		return Result{NoContent: true, Overlays: s.selectOverlays(now)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EventID < candidates[j].EventID
	})
	cursor := s.rrCursor[tieSignature(candidates)]
	chosen := candidates[cursor%len(candidates)]

	return Result{
		Foreground: s.resolveEventLayout(chosen),
		Overlays:   s.selectOverlays(now),
	}
}

// resolveEventLayout maps an event to a concrete layout, unrolling campaign
// cycling.
func (s *Scheduler) resolveEventLayout(ev models.ScheduleEvent) LayoutRef {
	if ev.CampaignID != 0 {
		campaign, ok := s.schedule.Campaigns[ev.CampaignID]
		if !ok || len(campaign.LayoutIDs) == 0 {
			return LayoutRef{LayoutID: s.schedule.DefaultLayoutID, EventID: ev.EventID}
		}
		idx := s.campaignIdx[ev.CampaignID] % len(campaign.LayoutIDs)
		return LayoutRef{LayoutID: campaign.LayoutIDs[idx], EventID: ev.EventID}
	}
	return LayoutRef{LayoutID: ev.LayoutID, EventID: ev.EventID, Interrupt: ev.IsInterrupt}
}

// activeEvents filters layout/campaign events by window, daypart and
// maxPlaysPerHour cooldown.
func (s *Scheduler) activeEvents(now time.Time) []models.ScheduleEvent {
	var out []models.ScheduleEvent
	for _, ev := range s.schedule.Events {
		if ev.LayoutID == 0 && ev.CampaignID == 0 {
			continue // commands, overlays, actions, data connectors
		}
		if !ev.WindowContains(now) {
			continue
		}
		if !s.dayPartActive(ev.DayPartID, now) {
			continue
		}
		if ev.MaxPlaysPerHour > 0 && ev.LayoutID != 0 &&
			s.playsInLastHour(ev.LayoutID, now) >= ev.MaxPlaysPerHour {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// dueInterrupt picks the interrupt that is behind its share-of-voice pace,
// if any. Ties break by priority descending then eventID ascending.
func (s *Scheduler) dueInterrupt(active []models.ScheduleEvent) (LayoutRef, bool) {
	elapsed := s.mono()
	hourPos := elapsed % time.Hour

	var due []models.ScheduleEvent
	for _, ev := range active {
		if !ev.IsInterrupt || ev.ShareOfVoice <= 0 {
			continue
		}
		// Pace target: the quota accrues linearly over the hour, so the
		// interrupt interleaves with normal content instead of playing its
		// whole allowance in one block.
		target := time.Duration(ev.ShareOfVoice) * hourPos / 3600
		if s.interruptShownInWindow(ev.EventID, elapsed) < target {
			due = append(due, ev)
		}
	}
	if len(due) == 0 {
		return LayoutRef{}, false
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].EventID < due[j].EventID
	})
	return s.resolveEventLayout(due[0]), true
}

// selectOverlays applies the same filtering and priority rules to the
// overlay events.
func (s *Scheduler) selectOverlays(now time.Time) []LayoutRef {
	var active []models.ScheduleEvent
	best := 0
	for _, ev := range s.schedule.Events {
		if ev.OverlayLayoutID == 0 {
			continue
		}
		if !ev.WindowContains(now) || !s.dayPartActive(ev.DayPartID, now) {
			continue
		}
		switch {
		case len(active) == 0 || ev.Priority > best:
			active = []models.ScheduleEvent{ev}
			best = ev.Priority
		case ev.Priority == best:
			active = append(active, ev)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].EventID < active[j].EventID
	})

	out := make([]LayoutRef, 0, len(active))
	for _, ev := range active {
		out = append(out, LayoutRef{LayoutID: ev.OverlayLayoutID, EventID: ev.EventID})
	}
	return out
}

// PeekNext predicts the layout that would follow once afterLayoutID
// completes its cycle, without mutating any rotation state. The preload
// handler uses it to warm the pool ahead of the swap.
func (s *Scheduler) PeekNext(afterLayoutID int) LayoutRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return LayoutRef{}
	}
	now := s.now()
	active := s.activeEvents(now)

	var tied []models.ScheduleEvent
	best := 0
	for _, ev := range active {
		if ev.IsInterrupt {
			continue
		}
		switch {
		case len(tied) == 0 || ev.Priority > best:
			tied = []models.ScheduleEvent{ev}
			best = ev.Priority
		case ev.Priority == best:
			tied = append(tied, ev)
		}
	}
	if len(tied) == 0 {
		return LayoutRef{LayoutID: s.schedule.DefaultLayoutID}
	}
	sort.SliceStable(tied, func(i, j int) bool { return tied[i].EventID < tied[j].EventID })

	cursor := s.rrCursor[tieSignature(tied)]
	current := tied[cursor%len(tied)]

	// Simulate the cursor advances RecordPlay(afterLayoutID) would make.
	if s.resolveEventLayoutIDLocked(current) == afterLayoutID {
		if current.CampaignID != 0 {
			campaign := s.schedule.Campaigns[current.CampaignID]
			if len(campaign.LayoutIDs) > 0 {
				next := campaign.LayoutIDs[(s.campaignIdx[current.CampaignID]+1)%len(campaign.LayoutIDs)]
				if len(tied) == 1 {
					return LayoutRef{LayoutID: next, EventID: current.EventID}
				}
			}
		}
		if len(tied) > 1 {
			cursor++
		}
	}
	nextEv := tied[cursor%len(tied)]
	return s.resolveEventLayout(nextEv)
}

// CommandsDue returns command events whose scheduled time falls in
// (since, now].
func (s *Scheduler) CommandsDue(since, now time.Time) []models.ScheduleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return nil
	}
	var out []models.ScheduleEvent
	for _, ev := range s.schedule.Events {
		if ev.CommandCode == "" || ev.FromDt.IsZero() {
			continue
		}
		if ev.FromDt.After(since) && !ev.FromDt.After(now) {
			out = append(out, ev)
		}
	}
	return out
}

// RecordPlay registers one completed play of a layout. It must be called at
// layoutEnd, exactly once per completed cycle: recording at the end keeps an
// interrupted layout from consuming its hourly quota. Round-robin and
// campaign cursors advance here so Select stays pure.
func (s *Scheduler) RecordPlay(layoutID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.plays[layoutID] = append(s.prunePlays(layoutID, now), now)

	if s.schedule == nil {
		return
	}
	for id, campaign := range s.schedule.Campaigns {
		if len(campaign.LayoutIDs) == 0 {
			continue
		}
		if campaign.LayoutIDs[s.campaignIdx[id]%len(campaign.LayoutIDs)] == layoutID {
			s.campaignIdx[id]++
		}
	}

	// Advance every tie rotation whose current pick just finished.
	active := s.activeEvents(now)
	var tied []models.ScheduleEvent
	best := 0
	for _, ev := range active {
		if ev.IsInterrupt {
			continue
		}
		switch {
		case len(tied) == 0 || ev.Priority > best:
			tied = []models.ScheduleEvent{ev}
			best = ev.Priority
		case ev.Priority == best:
			tied = append(tied, ev)
		}
	}
	if len(tied) > 1 {
		sort.SliceStable(tied, func(i, j int) bool { return tied[i].EventID < tied[j].EventID })
		sig := tieSignature(tied)
		current := tied[s.rrCursor[sig]%len(tied)]
		if s.resolveEventLayoutIDLocked(current) == layoutID {
			s.rrCursor[sig]++
		}
	}
}

func (s *Scheduler) resolveEventLayoutIDLocked(ev models.ScheduleEvent) int {
	if ev.CampaignID != 0 {
		campaign := s.schedule.Campaigns[ev.CampaignID]
		if len(campaign.LayoutIDs) == 0 {
			return 0
		}
		return campaign.LayoutIDs[s.campaignIdx[ev.CampaignID]%len(campaign.LayoutIDs)]
	}
	return ev.LayoutID
}

// RecordInterruptShown accrues on-screen time for an interrupt event.
func (s *Scheduler) RecordInterruptShown(eventID int, shown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.mono()
	start := end - shown
	if start < 0 {
		start = 0
	}
	s.interruptLog[eventID] = append(s.interruptLog[eventID], interval{from: start, to: end})
}

// PlaysInLastHour reports completed plays of a layout in the rolling hour.
func (s *Scheduler) PlaysInLastHour(layoutID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playsInLastHour(layoutID, s.now())
}

func (s *Scheduler) playsInLastHour(layoutID int, now time.Time) int {
	count := 0
	for _, t := range s.plays[layoutID] {
		if now.Sub(t) < time.Hour {
			count++
		}
	}
	return count
}

func (s *Scheduler) prunePlays(layoutID int, now time.Time) []time.Time {
	kept := s.plays[layoutID][:0]
	for _, t := range s.plays[layoutID] {
		if now.Sub(t) < time.Hour {
			kept = append(kept, t)
		}
	}
	return kept
}

func (s *Scheduler) interruptShownInWindow(eventID int, nowMono time.Duration) time.Duration {
	windowStart := nowMono - time.Hour
	var total time.Duration
	kept := s.interruptLog[eventID][:0]
	for _, iv := range s.interruptLog[eventID] {
		if iv.to <= windowStart {
			continue
		}
		kept = append(kept, iv)
		from := iv.from
		if from < windowStart {
			from = windowStart
		}
		total += iv.to - from
	}
	s.interruptLog[eventID] = kept
	return total
}

// dayPartActive evaluates the weekly recurrence filter. Spans whose toTime
// precedes their fromTime cross midnight into the following day.
func (s *Scheduler) dayPartActive(dayPartID int, now time.Time) bool {
	if dayPartID == 0 {
		return true
	}
	part, ok := s.schedule.DayParts[dayPartID]
	if !ok {
		return true
	}

	tod := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	today := now.Weekday()
	yesterday := (today + 6) % 7

	for _, span := range part.Spans {
		if span.ToTime >= span.FromTime {
			if span.Days[today] && tod >= span.FromTime && tod < span.ToTime {
				return true
			}
		} else {
			// Crossing midnight: the evening side belongs to the listed
			// day, the morning side to the day after.
			if span.Days[today] && tod >= span.FromTime {
				return true
			}
			if span.Days[yesterday] && tod < span.ToTime {
				return true
			}
		}
	}
	return false
}

func tieSignature(events []models.ScheduleEvent) string {
	sig := ""
	for _, ev := range events {
		sig += fmt.Sprintf("%d,", ev.EventID)
	}
	return sig
}
