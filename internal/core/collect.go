package core

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"signaged/internal/download"
	"signaged/internal/events"
	"signaged/internal/models"
	"signaged/internal/xmds"
)

const clientVersion = "1.0"

// collect runs one collection cycle: register, required files (skipped when
// the server's change token matches), schedule (same), reconcile, schedule
// evaluation, due commands and the queued submissions. Transient failures
// leave playback running from cache.
func (p *Player) collect() {
	p.collectMu.Lock()
	defer p.collectMu.Unlock()

	reg, err := p.cms.RegisterDisplay(p.cfg.DisplayName, clientVersion, runtime.GOOS, "")
	if err != nil {
		p.metrics.CollectionErrors.Inc()
		p.publishFault(models.Fault{
			Type:    models.FaultCollectError,
			Message: err.Error(),
			Context: "registerDisplay",
		})
		return
	}
	p.applySettings(reg.Settings)

	if reg.CheckRf != p.lastRf {
		if err := p.collectRequiredFiles(); err != nil {
			p.metrics.CollectionErrors.Inc()
			p.publishFault(models.Fault{
				Type:    models.FaultCollectError,
				Message: err.Error(),
				Context: "requiredFiles",
			})
		} else {
			p.lastRf = reg.CheckRf
		}
	}

	if reg.CheckSchedule != p.lastSchedule {
		if err := p.collectSchedule(); err != nil {
			p.metrics.CollectionErrors.Inc()
			p.publishFault(models.Fault{
				Type:    models.FaultCollectError,
				Message: err.Error(),
				Context: "schedule",
			})
		} else {
			p.lastSchedule = reg.CheckSchedule
		}
	}

	p.Dispatch(func() { p.evaluateSchedule(false) })
	p.dispatchDueCommands()
	p.submitQueues()
	p.notifyStatus()

	queued, _ := p.downloads.QueueDepth()
	p.metrics.DownloadQueue.Set(float64(queued))
	p.metrics.CollectionCycles.Inc()
}

// restoreState reloads the persisted schedule and display-settings
// snapshots after a restart, so the player resumes from its last-known
// state before the first collection completes (or while the CMS is down).
func (p *Player) restoreState() {
	if body, err := p.store.LoadSnapshot("schedule"); err == nil {
		if sched, err := xmds.ParseSchedule(body); err == nil {
			p.scheduler.SetSchedule(sched)
			p.logger.Infof("Restored schedule snapshot (%d events)", len(sched.Events))
		} else {
			p.logger.Warnf("Persisted schedule snapshot is unreadable: %v", err)
		}
	}
	if body, err := p.store.LoadSnapshot("display-settings"); err == nil {
		var s xmds.DisplaySettings
		if err := json.Unmarshal(body, &s); err == nil {
			p.settings = s
		} else {
			p.logger.Warnf("Persisted display settings are unreadable: %v", err)
		}
	}
}

// applySettings absorbs CMS-delivered display settings, retuning the
// collection ticker when the interval changed.
func (p *Player) applySettings(s xmds.DisplaySettings) {
	changed := s.CollectInterval != p.settings.CollectInterval
	p.settings = s
	if changed && p.collectTicker != nil && s.CollectInterval > 0 {
		p.collectTicker.Reset(s.CollectInterval)
	}
	if body, err := json.Marshal(s); err == nil {
		if err := p.store.SaveSnapshot("display-settings", body, p.clock.Now()); err != nil {
			p.logger.Warnf("Failed to snapshot display settings: %v", err)
		}
	}
}

func (p *Player) collectRequiredFiles() error {
	manifest, raw, err := p.cms.RequiredFiles()
	if err != nil {
		return err
	}
	if err := p.store.SaveSnapshot("required-files", raw, p.clock.Now()); err != nil {
		p.logger.Warnf("Failed to snapshot required files: %v", err)
	}

	plan, err := p.cache.Reconcile(manifest)
	if err != nil {
		return err
	}
	if len(plan.ToDownload) == 0 {
		return nil
	}

	// The enqueue ack blocks until a task goes active, so it runs off-loop.
	go func() {
		if err := p.cache.RequestDownload(plan.ToDownload); err != nil {
			p.Dispatch(func() {
				p.publishFault(models.Fault{
					Type:    models.FaultCollectError,
					Message: err.Error(),
					Context: "requestDownload",
				})
			})
		}
	}()
	return nil
}

func (p *Player) collectSchedule() error {
	sched, raw, err := p.cms.Schedule()
	if err != nil {
		return err
	}
	if err := p.store.SaveSnapshot("schedule", raw, p.clock.Now()); err != nil {
		p.logger.Warnf("Failed to snapshot schedule: %v", err)
	}
	p.scheduler.SetSchedule(sched)
	return nil
}

// OnDownloadResult is the download pipeline's completion callback; it runs
// on a worker goroutine and re-serializes through the loop.
func (p *Player) OnDownloadResult(res download.Result) {
	p.Dispatch(func() {
		if res.Error != nil {
			p.metrics.DownloadsFailed.Inc()
			if strings.Contains(res.Error.Error(), "no space") {
				// Quota pressure: free unreferenced entries, then warm pool
				// slots, and request the file again right away, whatever
				// was freed.
				freed := p.cache.EvictLRU(res.File.Size)
				if freed < res.File.Size {
					p.renderer.ClearWarmNotIn(map[int]struct{}{p.renderer.CurrentLayoutID(): {}})
				}
				file := res.File
				go p.cache.RequestDownload([]models.RequiredFile{file})
				p.publishFault(models.Fault{
					Type:    models.FaultResource,
					Message: res.Error.Error(),
					Context: fmt.Sprintf("%s/%d", res.File.Type, res.File.ID),
				})
				return
			}
			if strings.Contains(res.Error.Error(), "checksum") {
				// Twice-corrupt files are reported upstream as unplayable.
				file := res.File
				go func() {
					if err := p.cms.BlackList(file.ID, string(file.Type), "checksum verification failed"); err != nil {
						p.logger.Debugf("BlackList submission failed: %v", err)
					}
				}()
				p.publishFault(models.Fault{
					Type:    models.FaultIntegrity,
					Message: res.Error.Error(),
					Context: fmt.Sprintf("%s/%d", res.File.Type, res.File.ID),
				})
				return
			}
			p.publishFault(models.Fault{
				Type:    models.FaultCacheMiss,
				Message: res.Error.Error(),
				Context: fmt.Sprintf("%s/%d", res.File.Type, res.File.ID),
			})
			return
		}
		p.bus.Publish(events.Event{
			Type:     events.MediaCached,
			FileType: res.File.Type,
			FileID:   res.File.ID,
		})
		// A layout waiting on its XLF can start as soon as it lands.
		if res.File.Type == models.FileLayout && p.renderer.CurrentLayoutID() == 0 {
			p.evaluateSchedule(true)
		}
	})
}

// dispatchDueCommands emits scheduled shell commands that came due since the
// last scan.
func (p *Player) dispatchDueCommands() {
	now := p.clock.Now()
	since := p.lastCommandScan
	if since.IsZero() {
		since = now.Add(-time.Minute)
	}
	p.lastCommandScan = now

	for _, ev := range p.scheduler.CommandsDue(since, now) {
		code := ev.CommandCode
		p.Dispatch(func() {
			p.bus.Publish(events.Event{Type: events.CommandRequest, CommandCode: code})
		})
	}
}

// submitQueues drains the persisted stat and log queues upstream. Failures
// keep the records queued for the next cycle.
func (p *Player) submitQueues() {
	if statsXML, ack, err := p.stats.DrainXML(200); err == nil && statsXML != "" {
		if err := p.cms.SubmitStats(statsXML); err != nil {
			p.logger.Warnf("SubmitStats failed, keeping records queued: %v", err)
		} else if err := ack(); err != nil {
			p.logger.Errorf("Failed to ack submitted stats: %v", err)
		}
	}
	if logXML, ack, err := p.faults.DrainXML(200); err == nil && logXML != "" {
		if err := p.cms.SubmitLog(logXML); err != nil {
			p.logger.Warnf("SubmitLog failed, keeping records queued: %v", err)
		} else if err := ack(); err != nil {
			p.logger.Errorf("Failed to ack submitted logs: %v", err)
		}
	}
}

// notifyStatus reports the media inventory and player state upstream.
func (p *Player) notifyStatus() {
	entries, err := p.store.ListEntries()
	if err != nil {
		return
	}
	p.metrics.CacheEntries.Set(float64(len(entries)))

	type invItem struct {
		XMLName  xml.Name `xml:"file"`
		Type     string   `xml:"type,attr"`
		ID       int      `xml:"id,attr"`
		Complete int      `xml:"complete,attr"`
		MD5      string   `xml:"md5,attr"`
	}
	type inventory struct {
		XMLName xml.Name  `xml:"files"`
		Files   []invItem `xml:"file"`
	}
	inv := inventory{}
	for _, e := range entries {
		inv.Files = append(inv.Files, invItem{
			Type: string(e.Key.Type), ID: e.Key.ID, Complete: 1, MD5: e.MD5,
		})
	}
	body, err := xml.Marshal(inv)
	if err != nil {
		return
	}
	if err := p.cms.MediaInventory(string(body)); err != nil {
		p.logger.Debugf("MediaInventory submission failed: %v", err)
	}

	status := fmt.Sprintf(`{"currentLayoutId":%d,"cachedFiles":%d}`, p.renderer.CurrentLayoutID(), len(entries))
	if err := p.cms.NotifyStatus(status); err != nil {
		p.logger.Debugf("NotifyStatus submission failed: %v", err)
	}
}

// callWebhook performs the outbound HTTP call for webhook-style actions.
// Only an HTTP touchpoint; arbitrary shell execution stays with the
// platform shell.
func (p *Player) callWebhook(url string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		p.Dispatch(func() { p.logger.Warnf("Webhook %s failed: %v", url, err) })
		return
	}
	resp.Body.Close()
}
