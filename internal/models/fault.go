package models

import "time"

// FaultType classifies a structured fault record per the error taxonomy.
type FaultType string

const (
	FaultCacheMiss    FaultType = "cache-miss"
	FaultCollectError FaultType = "collect-error"
	FaultLayoutError  FaultType = "layoutError"
	FaultNoContent    FaultType = "no-content"
	FaultIntegrity    FaultType = "integrity"
	FaultResource     FaultType = "resource"
	FaultProtocol     FaultType = "protocol"
	FaultFatal        FaultType = "fatal"
)

// Fault is the structured error record every recoverable failure produces.
// Dedup key is (Type, Context).
type Fault struct {
	Type      FaultType
	Message   string
	Context   string
	Timestamp time.Time
	WidgetID  int
	LayoutID  int
	RegionID  string
}

// StatType distinguishes layout and widget proof-of-play records.
type StatType string

const (
	StatLayout StatType = "layout"
	StatWidget StatType = "media"
)

// StatRecord is one proof-of-play interval for the stats pipeline.
type StatRecord struct {
	ID       string
	Type     StatType
	LayoutID int
	WidgetID int
	Start    time.Time
	End      time.Time
	Count    int
}
