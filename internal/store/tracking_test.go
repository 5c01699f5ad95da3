package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]TrackingStore {
	t.Helper()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := OpenFileStore(filepath.Join(t.TempDir(), "tracking.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	return map[string]TrackingStore{"sqlite": db, "file": fs}
}

func newRecord(token, campaign string, created time.Time, links ...Link) Record {
	return Record{
		Token:          token,
		RecipientEmail: token + "@example.com",
		Subject:        "Hello",
		CampaignID:     campaign,
		Links:          links,
		CreatedAt:      created,
	}
}

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestTrackingStore_OpenKeepsFirstOpenedAt(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRecord("tok1", "c1", base)))

			first, err := s.RecordOpen(ctx, "tok1", Event{At: base.Add(time.Minute), UserAgent: "UA-1", IP: "10.0.0.1"})
			require.NoError(t, err)
			second, err := s.RecordOpen(ctx, "tok1", Event{At: base.Add(time.Hour), UserAgent: "UA-2"})
			require.NoError(t, err)

			assert.Equal(t, 1, first.OpenCount)
			assert.Equal(t, 2, second.OpenCount)
			require.NotNil(t, second.FirstOpenedAt)
			assert.True(t, second.FirstOpenedAt.Equal(base.Add(time.Minute)))
			assert.True(t, second.LastOpenedAt.Equal(base.Add(time.Hour)))
			assert.Equal(t, "UA-2", second.UserAgent)
			assert.Equal(t, "10.0.0.1", second.IPAddress)
		})
	}
}

func TestTrackingStore_UnknownTokens(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRecord("tok1", "", base, Link{ClickToken: "clk1", OriginalURL: "https://a.example"})))

			_, err := s.RecordOpen(ctx, "missing", Event{At: base})
			require.ErrorIs(t, err, ErrNotFound)
			_, _, err = s.RecordClick(ctx, "missing", Event{At: base})
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.AddLinks(ctx, "missing", nil), ErrNotFound)

			rec, err := s.Get(ctx, "tok1")
			require.NoError(t, err)
			assert.Equal(t, 0, rec.OpenCount)
			assert.Equal(t, 0, rec.Links[0].ClickCount)
		})
	}
}

func TestTrackingStore_ClickResolvesLink(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRecord("tok1", "c1", base)))
			require.NoError(t, s.AddLinks(ctx, "tok1", []Link{
				{ClickToken: "clk1", OriginalURL: "https://a.example/jobs"},
				{ClickToken: "clk2", OriginalURL: "https://b.example"},
			}))

			rec, link, err := s.RecordClick(ctx, "clk2", Event{At: base.Add(time.Minute), UserAgent: "UA"})
			require.NoError(t, err)
			assert.Equal(t, "https://b.example", link.OriginalURL)
			assert.Equal(t, 1, link.ClickCount)
			assert.Equal(t, "tok1", rec.Token)
			assert.Equal(t, "c1", rec.CampaignID)
			require.Len(t, rec.Links, 2)
			assert.Equal(t, "clk1", rec.Links[0].ClickToken)
			assert.Equal(t, 0, rec.Links[0].ClickCount)

			_, link, err = s.RecordClick(ctx, "clk2", Event{At: base.Add(time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, 2, link.ClickCount)
			assert.True(t, link.FirstClickedAt.Equal(base.Add(time.Minute)))
		})
	}
}

func TestTrackingStore_DuplicateToken(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRecord("tok1", "", base)))
			require.ErrorIs(t, s.Create(ctx, newRecord("tok1", "", base)), ErrDuplicate)
		})
	}
}

func TestTrackingStore_ListByCampaign(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRecord("a", "c1", base)))
			require.NoError(t, s.Create(ctx, newRecord("b", "c2", base.Add(time.Second))))
			require.NoError(t, s.Create(ctx, newRecord("c", "c1", base.Add(2*time.Second), Link{ClickToken: "clk", OriginalURL: "https://x.example"})))

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			c1, err := s.List(ctx, Filter{CampaignID: "c1"})
			require.NoError(t, err)
			require.Len(t, c1, 2)
			assert.Equal(t, "a", c1[0].Token)
			assert.Equal(t, "c", c1[1].Token)
			assert.Len(t, c1[1].Links, 1)

			none, err := s.List(ctx, Filter{CampaignID: "nope"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestTrackingStore_ListByOwner(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mine := newRecord("a", "c1", base, Link{ClickToken: "clk-a", OriginalURL: "https://a.example"})
			mine.UserID = "u1"
			theirs := newRecord("b", "c1", base.Add(time.Second), Link{ClickToken: "clk-b", OriginalURL: "https://b.example"})
			theirs.UserID = "u2"
			require.NoError(t, s.Create(ctx, mine))
			require.NoError(t, s.Create(ctx, theirs))

			got, err := s.List(ctx, Filter{UserID: "u1", CampaignID: "c1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0].Token)
			assert.Equal(t, "u1", got[0].UserID)
			require.Len(t, got[0].Links, 1)
			assert.Equal(t, "clk-a", got[0].Links[0].ClickToken)

			none, err := s.List(ctx, Filter{UserID: "u3"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestTrackingStore_ConcurrentEventsAreNotLost(t *testing.T) {
	t.Parallel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const records, hits = 5, 20
			for i := 0; i < records; i++ {
				token := fmt.Sprintf("tok%d", i)
				require.NoError(t, s.Create(ctx, newRecord(token, "c1", base,
					Link{ClickToken: "clk-" + token, OriginalURL: "https://example.com/" + token})))
			}

			var wg sync.WaitGroup
			for i := 0; i < records; i++ {
				for j := 0; j < hits; j++ {
					wg.Add(2)
					go func(i int) {
						defer wg.Done()
						_, err := s.RecordOpen(ctx, fmt.Sprintf("tok%d", i), Event{At: time.Now()})
						assert.NoError(t, err)
					}(i)
					go func(i int) {
						defer wg.Done()
						_, _, err := s.RecordClick(ctx, fmt.Sprintf("clk-tok%d", i), Event{At: time.Now()})
						assert.NoError(t, err)
					}(i)
				}
			}
			wg.Wait()

			list, err := s.List(ctx, Filter{CampaignID: "c1"})
			require.NoError(t, err)
			require.Len(t, list, records)
			for _, rec := range list {
				assert.Equal(t, hits, rec.OpenCount, rec.Token)
				assert.Equal(t, hits, rec.Links[0].ClickCount, rec.Token)
			}
		})
	}
}
