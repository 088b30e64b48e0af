package strategy

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// BidfaxID is the id under which the default strategy registers.
const BidfaxID = "bidfax"

var (
	vinPattern   = regexp.MustCompile(`(?i)\b[A-HJ-NPR-Z0-9]{17}\b`)
	pricePattern = regexp.MustCompile(`[\d][\d,.]*`)
)

// Bidfax extracts sold-vehicle records from auction-result listing
// pages. One listing is an <article> (or .lot-item/.listing-item)
// block carrying a title plus labelled detail rows.
type Bidfax struct{}

// NewBidfax returns the default extraction strategy.
func NewBidfax() *Bidfax {
	return &Bidfax{}
}

// Extract parses the page and reports a verdict. An empty results
// page is still a success; a page with listing blocks we cannot read
// is partial or a failure depending on how much survived.
func (b *Bidfax) Extract(_ context.Context, pageURL string, body []byte) (crawl.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	blocks := doc.Find("article, .lot-item, .listing-item")
	if blocks.Length() == 0 {
		if hasEmptyResultsMarker(doc) {
			return crawl.Extraction{
				Verdict: crawl.VerdictSuccess,
				Message: "no sold results on page",
			}, nil
		}
		return crawl.Extraction{
			Verdict: crawl.VerdictFailure,
			Message: "no listing blocks found; page layout unrecognized or challenge page served",
		}, nil
	}

	var items []crawl.AuctionItem
	incomplete := 0
	blocks.Each(func(_ int, sel *goquery.Selection) {
		item, ok := b.extractItem(pageURL, sel)
		if !ok {
			incomplete++
			return
		}
		items = append(items, item)
	})

	switch {
	case len(items) == 0:
		return crawl.Extraction{
			Verdict: crawl.VerdictFailure,
			Message: fmt.Sprintf("%d listing blocks, none readable", blocks.Length()),
		}, nil
	case incomplete > 0:
		return crawl.Extraction{
			Verdict: crawl.VerdictPartial,
			Items:   items,
			Message: fmt.Sprintf("extracted %d of %d listings", len(items), blocks.Length()),
		}, nil
	default:
		return crawl.Extraction{
			Verdict: crawl.VerdictSuccess,
			Items:   items,
			Message: fmt.Sprintf("extracted %d listings", len(items)),
		}, nil
	}
}

func (b *Bidfax) extractItem(pageURL string, sel *goquery.Selection) (crawl.AuctionItem, bool) {
	title := cleanText(sel.Find("h2, h3, .title").First().Text())
	if title == "" {
		return crawl.AuctionItem{}, false
	}

	item := crawl.AuctionItem{
		SourceURL:  pageURL,
		Title:      title,
		SaleStatus: "sold",
	}

	sel.Find("li, .detail-row, td").Each(func(_ int, row *goquery.Selection) {
		text := cleanText(row.Text())
		label, value, found := strings.Cut(text, ":")
		if !found {
			return
		}
		value = strings.TrimSpace(value)
		switch normalizeLabel(label) {
		case "vin":
			if vinPattern.MatchString(value) {
				item.VIN = strings.ToUpper(vinPattern.FindString(value))
			}
		case "lot number", "lot":
			item.LotID = value
		case "sale status", "status":
			item.SaleStatus = strings.ToLower(value)
		case "final bid", "sold for", "price":
			if cents, ok := parsePriceCents(value); ok {
				item.FinalBid = cents
				item.Currency = "USD"
			}
		case "date of sale", "sold date", "date":
			if ts, ok := parseSoldDate(value); ok {
				item.SoldAt = &ts
			}
		}
	})

	// A listing without any identifying detail beyond its title is
	// noise, not a record.
	if item.VIN == "" && item.LotID == "" && item.FinalBid == 0 {
		return crawl.AuctionItem{}, false
	}
	return item, true
}

func hasEmptyResultsMarker(doc *goquery.Document) bool {
	if doc.Find(".no-results, .empty-results").Length() > 0 {
		return true
	}
	text := strings.ToLower(doc.Find("body").Text())
	return strings.Contains(text, "no results found") ||
		strings.Contains(text, "nothing found")
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parsePriceCents converts "$12,350" or "12 350.50" into cents.
func parsePriceCents(s string) (int64, bool) {
	match := pricePattern.FindString(strings.ReplaceAll(s, " ", ""))
	if match == "" {
		return 0, false
	}
	match = strings.ReplaceAll(match, ",", "")
	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return int64(value*100 + 0.5), true
}

func parseSoldDate(s string) (time.Time, bool) {
	for _, layout := range []string{"02.01.2006", "2006-01-02", "January 2, 2006", "Jan 2, 2006"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
