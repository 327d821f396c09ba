package xmr

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action enumerates the push commands the core accepts.
type Action string

const (
	CollectNow       Action = "collectNow"
	ScreenShot       Action = "screenShot"
	ChangeLayout     Action = "changeLayout"
	OverlayLayout    Action = "overlayLayout"
	RevertToSchedule Action = "revertToSchedule"
	PurgeAll         Action = "purgeAll"
	CommandAction    Action = "commandAction"
	TriggerWebhook   Action = "triggerWebhook"
	DataUpdate       Action = "dataUpdate"
	CriteriaUpdate   Action = "criteriaUpdate"
	LicenceCheck     Action = "licenceCheck"
)

// Heartbeat is the literal keep-alive frame the push channel sends.
const Heartbeat = "H"

// ErrHeartbeat marks a decoded heartbeat; callers drop it silently.
var ErrHeartbeat = fmt.Errorf("xmr: heartbeat")

// Message is one decoded push command. The transport (WebSocket, ZeroMQ)
// lives outside the core; raw frames arrive here.
type Message struct {
	Action      Action   `json:"action"`
	CreatedDt   string   `json:"createdDt"`
	TTL         int      `json:"ttl"`
	LayoutID    int      `json:"layoutId,omitempty"`
	Duration    int      `json:"duration,omitempty"`
	CommandCode string   `json:"commandCode,omitempty"`
	TriggerCode string   `json:"triggerCode,omitempty"`
	Criteria    []string `json:"criteria,omitempty"`
}

// Decode parses one raw frame. Heartbeats return ErrHeartbeat.
func Decode(raw []byte) (Message, error) {
	if string(raw) == Heartbeat {
		return Message{}, ErrHeartbeat
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode push message: %w", err)
	}
	if msg.Action == "" {
		return Message{}, fmt.Errorf("push message has no action")
	}
	return msg, nil
}

// Expired reports whether the message's TTL has lapsed. A missing or
// unparseable createdDt never expires; commands without one are trusted.
func (m Message) Expired(now time.Time) bool {
	if m.TTL <= 0 || m.CreatedDt == "" {
		return false
	}
	created, err := time.Parse("2006-01-02 15:04:05", m.CreatedDt)
	if err != nil {
		return false
	}
	return now.After(created.Add(time.Duration(m.TTL) * time.Second))
}
