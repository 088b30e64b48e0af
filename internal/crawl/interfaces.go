package crawl

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a tracking id is unknown.
var ErrNotFound = errors.New("tracking not found")

// TrackingStore persists tracking records and implements the claim
// discipline: Claim must atomically move pending -> running.
type TrackingStore interface {
	Upsert(ctx context.Context, t Tracking) (Tracking, error)
	Get(ctx context.Context, id string) (Tracking, error)
	// Due returns at most limit records that are pending with
	// next_check_at <= now, oldest next_check_at first, ties broken
	// by id.
	Due(ctx context.Context, now time.Time, limit int) ([]Tracking, error)
	// Claim transitions the record to running if and only if it is
	// currently pending (or force is set). It returns the claimed
	// record and whether the claim succeeded.
	Claim(ctx context.Context, id string, force bool) (Tracking, bool, error)
	// Finish writes the terminal state computed by the runner.
	Finish(ctx context.Context, t Tracking) error
	// Rearm moves a terminal record back to pending with the given
	// next check time (nil clears the schedule).
	Rearm(ctx context.Context, id string, next *time.Time) (Tracking, error)
	List(ctx context.Context, limit int) ([]Tracking, error)
	CountByStatus(ctx context.Context) (map[TrackingStatus]int, error)
}

// ItemSink persists extracted auction items. Writes are append-only so
// concurrent attempts against the same target cannot clobber each
// other.
type ItemSink interface {
	SaveItems(ctx context.Context, trackingID string, items []AuctionItem) (int, error)
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes item events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Strategy converts a fetched page into auction items plus a verdict.
type Strategy interface {
	Extract(ctx context.Context, pageURL string, body []byte) (Extraction, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces tracking IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
