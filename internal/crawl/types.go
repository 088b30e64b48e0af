// Package crawl defines core types shared across subsystems.
package crawl

import (
	"time"
)

// TrackingStatus represents the lifecycle state of a tracking record.
type TrackingStatus string

// Tracking status values persisted in the tracking store.
const (
	StatusPending TrackingStatus = "pending"
	StatusRunning TrackingStatus = "running"
	StatusDone    TrackingStatus = "done"
	StatusFailed  TrackingStatus = "failed"
)

// FetchMode selects the fetch strategy for a target.
type FetchMode string

// Supported fetch modes.
const (
	ModeHTTP    FetchMode = "http"
	ModeBrowser FetchMode = "browser"
)

// Verdict is the extraction outcome reported by a strategy.
type Verdict string

// Extraction verdicts.
const (
	VerdictSuccess Verdict = "success"
	VerdictPartial Verdict = "partial"
	VerdictFailure Verdict = "failure"
)

// JobSpec captures per-job configuration requested by the client.
// It is immutable once accepted.
type JobSpec struct {
	TargetURL       string    `json:"target_url"`
	Pages           int       `json:"pages"`
	MakeFilter      string    `json:"make_filter,omitempty"`
	ModelFilter     string    `json:"model_filter,omitempty"`
	FetchMode       FetchMode `json:"fetch_mode"`
	ProxyID         string    `json:"proxy_id,omitempty"`
	RPM             int       `json:"rpm"`
	Concurrency     int       `json:"concurrency"`
	BatchSize       int       `json:"batch_size"`
	ScheduleEnabled bool      `json:"schedule_enabled"`
	IntervalMinutes int       `json:"schedule_interval_minutes,omitempty"`
	StrategyID      string    `json:"strategy_id"`
}

// Interval returns the recurrence interval, or zero when not scheduled.
func (s JobSpec) Interval() time.Duration {
	if !s.ScheduleEnabled {
		return 0
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// TrackingStats aggregates per-tracking result counters.
type TrackingStats struct {
	ItemsSaved int `json:"items_saved"`
}

// Tracking is the persistent per-target-URL crawl record. Status acts
// as the claim lock: only a worker that moved the record from pending
// to running may write its terminal state.
type Tracking struct {
	ID           string         `json:"id"`
	TargetURL    string         `json:"target_url"`
	Spec         JobSpec        `json:"spec"`
	Status       TrackingStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	ConsecFails  int            `json:"consecutive_failures"`
	Stalled      bool           `json:"stalled"`
	LastError    string         `json:"last_error,omitempty"`
	LastVerdict  Verdict        `json:"last_verdict,omitempty"`
	ProxyID      string         `json:"proxy_id,omitempty"`
	ProxyExitIP  string         `json:"proxy_exit_ip,omitempty"`
	ProxyError   string         `json:"proxy_error,omitempty"`
	SnapshotURI  string         `json:"snapshot_uri,omitempty"`
	Stats        TrackingStats  `json:"stats"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	NextCheckAt  *time.Time     `json:"next_check_at,omitempty"`
	LastAttempt  *time.Time     `json:"last_attempt_at,omitempty"`
}

// AuctionItem is one extracted sold-vehicle record. Storage is
// append-only; de-duplication belongs to downstream consumers.
type AuctionItem struct {
	TrackingID string     `json:"tracking_id,omitempty"`
	SourceURL  string     `json:"source_url"`
	Title      string     `json:"title"`
	VIN        string     `json:"vin,omitempty"`
	LotID      string     `json:"lot_id,omitempty"`
	SaleStatus string     `json:"sale_status"`
	FinalBid   int64      `json:"final_bid_cents"`
	Currency   string     `json:"currency,omitempty"`
	SoldAt     *time.Time `json:"sold_at,omitempty"`
}

// ProxyHealth is the last observed outcome for a proxy profile.
type ProxyHealth struct {
	Reachable bool      `json:"reachable"`
	ExitIP    string    `json:"exit_ip,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProxyProfile is a configured egress proxy plus its last known health.
type ProxyProfile struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Scheme string      `json:"scheme"`
	Host   string      `json:"host"`
	Port   int         `json:"port"`
	Health ProxyHealth `json:"health"`
}

// FetchStage marks where in the pipeline an attempt failed, so
// operators can tell a broken proxy from a blocking target.
type FetchStage string

// Pipeline stages recorded on errors and test-parse results.
const (
	StageProxy FetchStage = "proxy"
	StageHTTP  FetchStage = "http"
	StageParse FetchStage = "parse"
)

// TestParseResult is the ephemeral outcome of an interactive dry-run.
// It is never persisted.
type TestParseResult struct {
	Verdict     Verdict       `json:"verdict"`
	TimedOut    bool          `json:"timed_out"`
	StatusCode  int           `json:"status_code,omitempty"`
	LatencyMS   int64         `json:"latency_ms"`
	Stage       FetchStage    `json:"stage,omitempty"`
	ProxyID     string        `json:"proxy_id,omitempty"`
	ProxyExitIP string        `json:"proxy_exit_ip,omitempty"`
	ProxyError  string        `json:"proxy_error,omitempty"`
	Items       []AuctionItem `json:"items,omitempty"`
	Message     string        `json:"message"`
}

// Extraction is what a strategy produced from one fetched page.
type Extraction struct {
	Verdict Verdict
	Items   []AuctionItem
	Message string
}

// ItemEvent is published after a batch of items is persisted.
type ItemEvent struct {
	TrackingID string    `json:"tracking_id"`
	TargetURL  string    `json:"target_url"`
	ItemsSaved int       `json:"items_saved"`
	Verdict    Verdict   `json:"verdict"`
	At         time.Time `json:"at"`
}
