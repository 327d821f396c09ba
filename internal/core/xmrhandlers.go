package core

import (
	"strings"

	"signaged/internal/events"
	"signaged/internal/models"
	"signaged/internal/sched"
	"signaged/internal/xmr"
)

// HandleXMRFrame accepts one raw frame from the push channel. The transport
// is external; it only needs to hand the bytes over. Safe to call from any
// goroutine.
func (p *Player) HandleXMRFrame(raw []byte) {
	msg, err := xmr.Decode(raw)
	if err == xmr.ErrHeartbeat {
		return
	}
	if err != nil {
		p.logger.Warnf("Dropping undecodable push message: %v", err)
		return
	}
	if msg.Expired(p.clock.Now()) {
		p.logger.Debugf("Dropping expired push message %s", msg.Action)
		return
	}
	p.Dispatch(func() { p.handleXMR(msg) })
}

func (p *Player) handleXMR(msg xmr.Message) {
	p.logger.Infof("Push command: %s", msg.Action)
	switch msg.Action {
	case xmr.CollectNow:
		go p.collect()

	case xmr.ScreenShot:
		// Capture happens in the platform shell; it calls SubmitScreenshot
		// with the pixels.
		p.bus.Publish(events.Event{Type: events.ScreenshotRequest})

	case xmr.ChangeLayout:
		if msg.LayoutID == 0 {
			return
		}
		p.layoutOverride = msg.LayoutID
		p.pendingRef = nil
		p.renderRef(sched.LayoutRef{LayoutID: msg.LayoutID})

	case xmr.OverlayLayout:
		if msg.LayoutID == 0 {
			return
		}
		p.overlayOverride = append(p.overlayOverride, msg.LayoutID)
		p.evaluateSchedule(false)

	case xmr.RevertToSchedule:
		p.layoutOverride = 0
		p.overlayOverride = nil
		p.pendingRef = nil
		p.evaluateSchedule(true)

	case xmr.PurgeAll:
		p.purgeAll()

	case xmr.CommandAction:
		// HTTP webhooks only; arbitrary shell commands stay with the shell.
		if strings.HasPrefix(msg.CommandCode, "http://") || strings.HasPrefix(msg.CommandCode, "https://") {
			go p.callWebhook(msg.CommandCode)
		} else if msg.CommandCode != "" {
			p.logger.Warnf("Ignoring push command %q: only HTTP webhooks are run", msg.CommandCode)
		}

	case xmr.TriggerWebhook:
		p.renderer.TriggerWebhook(msg.TriggerCode)

	case xmr.DataUpdate:
		// Data connectors refresh by re-fetching widget HTML on the next
		// render; force one by dropping the cached HTML and recollecting.
		p.cache.ClearWidgetHTML(p.renderer.CurrentLayoutID())
		go p.collect()

	case xmr.CriteriaUpdate:
		p.scheduler.SetCriteria(msg.Criteria)
		go p.collect()

	case xmr.LicenceCheck:
		// No licensing on this build.

	default:
		p.logger.Warnf("Unknown push action %q", msg.Action)
	}
}

// purgeAll drops every cached file and forces a full recollection.
func (p *Player) purgeAll() {
	entries, err := p.store.ListEntries()
	if err != nil {
		p.logger.Errorf("Purge failed to list entries: %v", err)
		return
	}
	p.renderer.StopCurrentLayout()
	p.currentRef = sched.LayoutRef{}
	for _, e := range entries {
		if err := p.store.DeleteBlob(e.Key); err != nil {
			p.logger.Warnf("Purge failed to delete %v: %v", e.Key, err)
		}
	}
	p.lastRf = ""
	p.lastSchedule = ""
	go p.collect()
}

// SubmitScreenshot forwards shell-captured pixels to the CMS.
func (p *Player) SubmitScreenshot(data []byte) {
	if err := p.cms.SubmitScreenShot(data); err != nil {
		p.publishFault(models.Fault{
			Type:    models.FaultCollectError,
			Message: err.Error(),
			Context: "submitScreenShot",
		})
	}
}
