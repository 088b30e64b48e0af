package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// ItemSink appends auction items into Postgres. Inserts are
// append-only; downstream consumers own de-duplication.
type ItemSink struct {
	pool  pgxPool
	table string
	clock crawl.Clock
}

// NewItemSink constructs a sink from an existing pool.
func NewItemSink(pool pgxPool, table string, clock crawl.Clock) (*ItemSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "auction_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemSink{pool: pool, table: table, clock: clock}, nil
}

// SaveItems inserts the batch one row per item and reports how many
// rows were written. A failure mid-batch returns the count written so
// far together with the error.
func (s *ItemSink) SaveItems(ctx context.Context, trackingID string, items []crawl.AuctionItem) (int, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	tracking_id,
	source_url,
	title,
	vin,
	lot_id,
	sale_status,
	final_bid_cents,
	currency,
	sold_at,
	created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.table)

	now := s.clock.Now()
	saved := 0
	for _, item := range items {
		id, err := uuid.NewV7()
		if err != nil {
			return saved, fmt.Errorf("generate item id: %w", err)
		}
		_, err = s.pool.Exec(ctx, query,
			id.String(),
			trackingID,
			item.SourceURL,
			item.Title,
			item.VIN,
			item.LotID,
			item.SaleStatus,
			item.FinalBid,
			item.Currency,
			item.SoldAt,
			now,
		)
		if err != nil {
			return saved, fmt.Errorf("insert auction item: %w", err)
		}
		saved++
	}
	return saved, nil
}
