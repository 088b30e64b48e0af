package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

const listingPage = `
<html><body>
<article>
  <h2>2019 Toyota Camry SE</h2>
  <ul>
    <li>VIN: 4T1B11HK5KU211326</li>
    <li>Lot number: 38291047</li>
    <li>Sale status: Sold</li>
    <li>Final bid: $8,250</li>
    <li>Date of sale: 14.05.2024</li>
  </ul>
</article>
<article>
  <h2>2017 Honda Accord EX-L</h2>
  <ul>
    <li>VIN: 1HGCR2F88HA031452</li>
    <li>Lot number: 38291102</li>
    <li>Sale status: Sold</li>
    <li>Final bid: $6,100</li>
    <li>Date of sale: 2024-05-13</li>
  </ul>
</article>
</body></html>`

const partialPage = `
<html><body>
<article>
  <h2>2015 Ford F-150</h2>
  <ul>
    <li>VIN: 1FTEW1EF5FFA12345</li>
    <li>Final bid: $11,900</li>
  </ul>
</article>
<article>
  <h2>Sponsored placement</h2>
  <p>Buy our extended warranty!</p>
</article>
</body></html>`

const emptyPage = `
<html><body>
  <div class="no-results">No results found for this make and model.</div>
</body></html>`

const challengePage = `
<html><body>
  <div id="challenge">Checking your browser before accessing…</div>
</body></html>`

func TestBidfax_ExtractFullListings(t *testing.T) {
	t.Parallel()

	out, err := NewBidfax().Extract(context.Background(), "https://example.test/listings", []byte(listingPage))
	require.NoError(t, err)
	require.Equal(t, crawl.VerdictSuccess, out.Verdict)
	require.Len(t, out.Items, 2)

	camry := out.Items[0]
	require.Equal(t, "2019 Toyota Camry SE", camry.Title)
	require.Equal(t, "4T1B11HK5KU211326", camry.VIN)
	require.Equal(t, "38291047", camry.LotID)
	require.Equal(t, "sold", camry.SaleStatus)
	require.Equal(t, int64(825000), camry.FinalBid)
	require.Equal(t, "USD", camry.Currency)
	require.NotNil(t, camry.SoldAt)
	require.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), *camry.SoldAt)

	accord := out.Items[1]
	require.Equal(t, "1HGCR2F88HA031452", accord.VIN)
	require.NotNil(t, accord.SoldAt)
	require.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), *accord.SoldAt)
}

func TestBidfax_PartialWhenSomeBlocksUnreadable(t *testing.T) {
	t.Parallel()

	out, err := NewBidfax().Extract(context.Background(), "https://example.test/listings", []byte(partialPage))
	require.NoError(t, err)
	require.Equal(t, crawl.VerdictPartial, out.Verdict)
	require.Len(t, out.Items, 1)
	require.Equal(t, "2015 Ford F-150", out.Items[0].Title)
	require.Contains(t, out.Message, "1 of 2")
}

func TestBidfax_EmptyResultsPageIsSuccess(t *testing.T) {
	t.Parallel()

	out, err := NewBidfax().Extract(context.Background(), "https://example.test/listings?make=edsel", []byte(emptyPage))
	require.NoError(t, err)
	require.Equal(t, crawl.VerdictSuccess, out.Verdict)
	require.Empty(t, out.Items)
}

func TestBidfax_UnrecognizedLayoutIsFailure(t *testing.T) {
	t.Parallel()

	out, err := NewBidfax().Extract(context.Background(), "https://example.test/listings", []byte(challengePage))
	require.NoError(t, err)
	require.Equal(t, crawl.VerdictFailure, out.Verdict)
	require.Empty(t, out.Items)
}

func TestParsePriceCents(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"$8,250":    825000,
		"12350":     1235000,
		"$1,099.50": 109950,
	}
	for input, want := range cases {
		got, ok := parsePriceCents(input)
		require.True(t, ok, "input %q", input)
		require.Equal(t, want, got, "input %q", input)
	}

	_, ok := parsePriceCents("call for price")
	require.False(t, ok)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(BidfaxID, NewBidfax())

	s, err := reg.Get(BidfaxID)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = reg.Get("copart-v2")
	require.ErrorIs(t, err, ErrUnknownStrategy)

	require.Equal(t, []string{BidfaxID}, reg.IDs())
}
