package sched_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/sched"
)

// testClocks pins the scheduler to a controllable wall and monotonic time.
type testClocks struct {
	wall time.Time
	mono time.Duration
}

func newTestScheduler(start time.Time) (*sched.Scheduler, *testClocks) {
	clocks := &testClocks{wall: start}
	s := sched.New(logger.Nop{})
	s.SetClocks(
		func() time.Time { return clocks.wall },
		func() time.Duration { return clocks.mono },
	)
	return s, clocks
}

func (c *testClocks) advance(d time.Duration) {
	c.wall = c.wall.Add(d)
	c.mono += d
}

func windowEvent(eventID, layoutID, priority int) models.ScheduleEvent {
	return models.ScheduleEvent{
		EventID:  eventID,
		LayoutID: layoutID,
		FromDt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDt:     time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		Priority: priority,
	}
}

func TestSelect_Deterministic(t *testing.T) {
	s, _ := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	s.SetSchedule(&models.Schedule{
		Events:          []models.ScheduleEvent{windowEvent(1, 7, 0), windowEvent(2, 8, 1)},
		DefaultLayoutID: 4,
	})

	first := s.Select()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Select(), "selection must be stable without state changes")
	}
	assert.Equal(t, 8, first.Foreground.LayoutID, "higher priority wins")
}

func TestSelect_WindowFiltering(t *testing.T) {
	s, clocks := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	ev := windowEvent(1, 7, 0)
	ev.FromDt = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	s.SetSchedule(&models.Schedule{Events: []models.ScheduleEvent{ev}, DefaultLayoutID: 4})

	assert.Equal(t, 4, s.Select().Foreground.LayoutID, "future event must not be selected")

	clocks.advance(20 * 24 * time.Hour)
	assert.Equal(t, 7, s.Select().Foreground.LayoutID, "event active once its window opens")
}

func TestSelect_NoContent(t *testing.T) {
	s, _ := newTestScheduler(time.Now())
	s.SetSchedule(&models.Schedule{})
	result := s.Select()
	assert.True(t, result.NoContent)

	s.SetSchedule(&models.Schedule{DefaultLayoutID: 4})
	result = s.Select()
	assert.False(t, result.NoContent)
	assert.Equal(t, 4, result.Foreground.LayoutID)
}

func TestSelect_PriorityTieRoundRobin(t *testing.T) {
	s, _ := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	s.SetSchedule(&models.Schedule{
		Events: []models.ScheduleEvent{windowEvent(2, 8, 1), windowEvent(1, 7, 1)},
	})

	// Stable order: lowest eventID first.
	assert.Equal(t, 7, s.Select().Foreground.LayoutID)
	s.RecordPlay(7)
	assert.Equal(t, 8, s.Select().Foreground.LayoutID)
	s.RecordPlay(8)
	assert.Equal(t, 7, s.Select().Foreground.LayoutID, "rotation wraps")
}

func TestSelect_CampaignCycling(t *testing.T) {
	s, _ := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	s.SetSchedule(&models.Schedule{
		Events: []models.ScheduleEvent{{
			EventID:    1,
			CampaignID: 3,
			FromDt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ToDt:       time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		Campaigns: map[int]models.Campaign{
			3: {ID: 3, LayoutIDs: []int{10, 11, 12}},
		},
	})

	want := []int{10, 11, 12, 10, 11}
	for _, layoutID := range want {
		got := s.Select().Foreground
		require.Equal(t, layoutID, got.LayoutID)
		s.RecordPlay(layoutID)
	}
}

// TestMaxPlaysPerHour walks the spec's enforcement scenario: cap 2, plays at
// t=0..30 and t=30..60, exclusion at t=60, eligible again one hour after the
// first play left the rolling window.
func TestMaxPlaysPerHour(t *testing.T) {
	s, clocks := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	ev := windowEvent(1, 7, 0)
	ev.MaxPlaysPerHour = 2
	s.SetSchedule(&models.Schedule{Events: []models.ScheduleEvent{ev}, DefaultLayoutID: 4})

	assert.Equal(t, 7, s.Select().Foreground.LayoutID)
	clocks.advance(30 * time.Second)
	s.RecordPlay(7)

	assert.Equal(t, 7, s.Select().Foreground.LayoutID, "one play recorded, cap is two")
	clocks.advance(30 * time.Second)
	s.RecordPlay(7)

	assert.Equal(t, 4, s.Select().Foreground.LayoutID, "cap reached, default layout takes over")
	assert.Equal(t, 2, s.PlaysInLastHour(7))

	// An hour and a minute after the start, both plays (at +30s and +60s)
	// have left the rolling window.
	clocks.advance(60 * time.Minute)
	assert.Equal(t, 7, s.Select().Foreground.LayoutID, "eligible again after the window rolls")
}

// TestInterruptShareOfVoice runs one simulated hour with a 600 s/hour
// interrupt: accrued on-screen time must track the quota without exceeding
// it by more than one cycle.
func TestInterruptShareOfVoice(t *testing.T) {
	s, clocks := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	normal := windowEvent(1, 7, 0)
	interrupt := windowEvent(2, 9, 0)
	interrupt.IsInterrupt = true
	interrupt.ShareOfVoice = 600
	s.SetSchedule(&models.Schedule{Events: []models.ScheduleEvent{normal, interrupt}})

	const cycle = 30 * time.Second
	var interruptSeconds time.Duration
	for elapsed := time.Duration(0); elapsed < time.Hour; elapsed += cycle {
		ref := s.Select().Foreground
		clocks.advance(cycle)
		if ref.LayoutID == 9 {
			require.True(t, ref.Interrupt)
			interruptSeconds += cycle
			s.RecordInterruptShown(ref.EventID, cycle)
		}
		s.RecordPlay(ref.LayoutID)
	}

	assert.LessOrEqual(t, interruptSeconds, 600*time.Second+cycle,
		"interrupt must not exceed its quota plus one-cycle tolerance")
	assert.GreaterOrEqual(t, interruptSeconds, 500*time.Second,
		"interrupt must receive roughly its share of voice")
}

func TestInterruptTieBreak(t *testing.T) {
	s, _ := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	a := windowEvent(5, 20, 1)
	a.IsInterrupt = true
	a.ShareOfVoice = 300
	b := windowEvent(3, 21, 1)
	b.IsInterrupt = true
	b.ShareOfVoice = 300
	s.SetSchedule(&models.Schedule{Events: []models.ScheduleEvent{a, b}})

	// Move into the hour so pace targets are nonzero.
	s.SetClocks(
		func() time.Time { return time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC) },
		func() time.Duration { return 30 * time.Minute },
	)
	ref := s.Select().Foreground
	assert.Equal(t, 21, ref.LayoutID, "equal priority breaks by lowest eventID")
}

// TestDayPartMidnightCrossing covers the 22:00-02:00 span: active at 23:59
// and 01:00, inactive at 12:00.
func TestDayPartMidnightCrossing(t *testing.T) {
	base := time.Date(2024, 6, 14, 22, 30, 0, 0, time.UTC) // a Friday
	s, clocks := newTestScheduler(base)
	ev := windowEvent(1, 7, 0)
	ev.DayPartID = 2
	s.SetSchedule(&models.Schedule{
		Events: []models.ScheduleEvent{ev},
		DayParts: map[int]models.DayPart{
			2: {ID: 2, Spans: []models.DayPartSpan{{
				Days: map[time.Weekday]bool{
					time.Monday: true, time.Tuesday: true, time.Wednesday: true,
					time.Thursday: true, time.Friday: true, time.Saturday: true, time.Sunday: true,
				},
				FromTime: 22 * time.Hour,
				ToTime:   2 * time.Hour,
			}}},
		},
		DefaultLayoutID: 4,
	})

	clocks.wall = time.Date(2024, 6, 14, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, 7, s.Select().Foreground.LayoutID, "active at 23:59")

	clocks.wall = time.Date(2024, 6, 15, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 7, s.Select().Foreground.LayoutID, "active at 01:00 the next day")

	clocks.wall = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 4, s.Select().Foreground.LayoutID, "inactive at noon")
}

// TestDayPartTwoTripleEncoding exercises the same crossing expressed as two
// spans, one to 24:00 and one from 00:00.
func TestDayPartTwoTripleEncoding(t *testing.T) {
	allDays := map[time.Weekday]bool{
		time.Monday: true, time.Tuesday: true, time.Wednesday: true,
		time.Thursday: true, time.Friday: true, time.Saturday: true, time.Sunday: true,
	}
	s, clocks := newTestScheduler(time.Date(2024, 6, 14, 23, 59, 0, 0, time.UTC))
	ev := windowEvent(1, 7, 0)
	ev.DayPartID = 2
	s.SetSchedule(&models.Schedule{
		Events: []models.ScheduleEvent{ev},
		DayParts: map[int]models.DayPart{
			2: {ID: 2, Spans: []models.DayPartSpan{
				{Days: allDays, FromTime: 22 * time.Hour, ToTime: 24 * time.Hour},
				{Days: allDays, FromTime: 0, ToTime: 2 * time.Hour},
			}},
		},
		DefaultLayoutID: 4,
	})

	assert.Equal(t, 7, s.Select().Foreground.LayoutID)
	clocks.wall = time.Date(2024, 6, 15, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 7, s.Select().Foreground.LayoutID)
	clocks.wall = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 4, s.Select().Foreground.LayoutID)
}

func TestOverlaysSelectedIndependently(t *testing.T) {
	s, _ := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	overlay := models.ScheduleEvent{
		EventID:         9,
		OverlayLayoutID: 30,
		FromDt:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDt:            time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s.SetSchedule(&models.Schedule{
		Events:          []models.ScheduleEvent{windowEvent(1, 7, 0), overlay},
		DefaultLayoutID: 4,
	})

	result := s.Select()
	assert.Equal(t, 7, result.Foreground.LayoutID)
	require.Len(t, result.Overlays, 1)
	assert.Equal(t, 30, result.Overlays[0].LayoutID)
}

func TestPeekNext(t *testing.T) {
	s, _ := newTestScheduler(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	s.SetSchedule(&models.Schedule{
		Events: []models.ScheduleEvent{windowEvent(1, 7, 1), windowEvent(2, 8, 1)},
	})

	assert.Equal(t, 7, s.Select().Foreground.LayoutID)
	assert.Equal(t, 8, s.PeekNext(7).LayoutID, "peek predicts the rotation")
	// Peek must not advance anything.
	assert.Equal(t, 7, s.Select().Foreground.LayoutID)
}

func TestCommandsDue(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(now)
	s.SetSchedule(&models.Schedule{
		Events: []models.ScheduleEvent{
			{EventID: 1, CommandCode: "REBOOT", FromDt: now.Add(-30 * time.Second)},
			{EventID: 2, CommandCode: "HDMI_OFF", FromDt: now.Add(time.Hour)},
		},
	})

	due := s.CommandsDue(now.Add(-time.Minute), now)
	require.Len(t, due, 1)
	assert.Equal(t, "REBOOT", due[0].CommandCode)
}
