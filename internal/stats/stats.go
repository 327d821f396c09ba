package stats

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"signaged/internal/logger"
	"signaged/internal/models"
	"signaged/internal/store"
)

// Collector turns lifecycle events into proof-of-play records on the
// persistent stats queue. Widgets with stats disabled produce nothing.
type Collector struct {
	store  *store.Store
	logger logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	openLayouts map[int]time.Time
	openWidgets map[widgetKey]time.Time
}

type widgetKey struct {
	layoutID int
	widgetID int
}

// NewCollector creates a collector writing to the given store.
func NewCollector(st *store.Store, log logger.Logger) *Collector {
	return &Collector{
		store:       st,
		logger:      log,
		now:         time.Now,
		openLayouts: make(map[int]time.Time),
		openWidgets: make(map[widgetKey]time.Time),
	}
}

// SetClock overrides the time source. Tests use this.
func (c *Collector) SetClock(now func() time.Time) { c.now = now }

// BeginLayout opens a layout proof-of-play interval.
func (c *Collector) BeginLayout(layoutID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openLayouts[layoutID] = c.now()
}

// EndLayout closes the interval and enqueues the record.
func (c *Collector) EndLayout(layoutID int) {
	c.mu.Lock()
	start, ok := c.openLayouts[layoutID]
	delete(c.openLayouts, layoutID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.enqueue(models.StatRecord{
		ID:       uuid.NewString(),
		Type:     models.StatLayout,
		LayoutID: layoutID,
		Start:    start,
		End:      c.now(),
		Count:    1,
	})
}

// BeginWidget opens a widget interval; enableStat=false records nothing.
func (c *Collector) BeginWidget(layoutID, widgetID int, enableStat bool) {
	if !enableStat {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openWidgets[widgetKey{layoutID, widgetID}] = c.now()
}

// EndWidget closes a widget interval.
func (c *Collector) EndWidget(layoutID, widgetID int, enableStat bool) {
	if !enableStat {
		return
	}
	c.mu.Lock()
	start, ok := c.openWidgets[widgetKey{layoutID, widgetID}]
	delete(c.openWidgets, widgetKey{layoutID, widgetID})
	c.mu.Unlock()
	if !ok {
		return
	}
	c.enqueue(models.StatRecord{
		ID:       uuid.NewString(),
		Type:     models.StatWidget,
		LayoutID: layoutID,
		WidgetID: widgetID,
		Start:    start,
		End:      c.now(),
		Count:    1,
	})
}

func (c *Collector) enqueue(rec models.StatRecord) {
	if err := c.store.EnqueueStat(rec); err != nil {
		c.logger.Errorf("Failed to enqueue stat record: %v", err)
	}
}

// DrainXML pops up to n queued records and renders the submission document.
// ack removes them once the upload succeeds.
func (c *Collector) DrainXML(n int) (xmlBody string, ack func() error, err error) {
	rows, err := c.store.PeekQueue("stat_queue", n)
	if err != nil || len(rows) == 0 {
		return "", nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("<stats>")
	for _, row := range rows {
		var rec models.StatRecord
		if err := json.Unmarshal(row.Body, &rec); err != nil {
			continue
		}
		item := struct {
			XMLName  xml.Name `xml:"stat"`
			Type     string   `xml:"type,attr"`
			FromDt   string   `xml:"fromdt,attr"`
			ToDt     string   `xml:"todt,attr"`
			LayoutID int      `xml:"layoutid,attr"`
			MediaID  int      `xml:"mediaid,attr,omitempty"`
			Count    int      `xml:"count,attr"`
		}{
			Type:     string(rec.Type),
			FromDt:   rec.Start.Format("2006-01-02 15:04:05"),
			ToDt:     rec.End.Format("2006-01-02 15:04:05"),
			LayoutID: rec.LayoutID,
			MediaID:  rec.WidgetID,
			Count:    rec.Count,
		}
		body, err := xml.Marshal(item)
		if err != nil {
			continue
		}
		buf.Write(body)
	}
	buf.WriteString("</stats>")

	last := rows[len(rows)-1].Seq
	return buf.String(), func() error { return c.store.AckQueue("stat_queue", last) }, nil
}

// Reporter dedups and queues fault records for upload.
type Reporter struct {
	store  *store.Store
	logger logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	window   time.Duration
}

// NewReporter creates a fault reporter with the standard 5-minute dedup
// window per (type, context).
func NewReporter(st *store.Store, log logger.Logger) *Reporter {
	return &Reporter{
		store:    st,
		logger:   log,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		window:   5 * time.Minute,
	}
}

// SetClock overrides the time source. Tests use this.
func (r *Reporter) SetClock(now func() time.Time) { r.now = now }

// ReportFault records one fault unless an identical one was seen inside the
// dedup window.
func (r *Reporter) ReportFault(f models.Fault) {
	key := fmt.Sprintf("%s|%s", f.Type, f.Context)
	now := r.now()

	r.mu.Lock()
	if last, ok := r.lastSeen[key]; ok && now.Sub(last) < r.window {
		r.mu.Unlock()
		return
	}
	r.lastSeen[key] = now
	r.mu.Unlock()

	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	r.logger.Warnf("Fault %s (%s): %s", f.Type, f.Context, f.Message)
	if err := r.store.EnqueueFault(f); err != nil {
		r.logger.Errorf("Failed to enqueue fault record: %v", err)
	}
}

// DrainXML pops queued faults and renders the log submission document.
func (r *Reporter) DrainXML(n int) (xmlBody string, ack func() error, err error) {
	rows, err := r.store.PeekQueue("log_queue", n)
	if err != nil || len(rows) == 0 {
		return "", nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("<logs>")
	for _, row := range rows {
		var f models.Fault
		if err := json.Unmarshal(row.Body, &f); err != nil {
			continue
		}
		item := struct {
			XMLName  xml.Name `xml:"log"`
			Date     string   `xml:"date,attr"`
			Category string   `xml:"category,attr"`
			Message  string   `xml:",chardata"`
		}{
			Date:     f.Timestamp.Format("2006-01-02 15:04:05"),
			Category: string(f.Type),
			Message:  f.Message,
		}
		body, err := xml.Marshal(item)
		if err != nil {
			continue
		}
		buf.Write(body)
	}
	buf.WriteString("</logs>")

	last := rows[len(rows)-1].Seq
	return buf.String(), func() error { return r.store.AckQueue("log_queue", last) }, nil
}
