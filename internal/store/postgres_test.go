package store_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/store"
)

// newPostgres connects to LOTX_TEST_DATABASE_URL and migrates it. Rows are
// keyed by a per-test suffix so tests can share one database.
func newPostgres(t *testing.T) (*store.PostgresStore, string) {
	t.Helper()
	url := os.Getenv("LOTX_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LOTX_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, store.RunMigrations(pool))
	return store.NewPostgresStore(pool), uuid.NewString()[:8]
}

// seedPostgres inserts one live offer list with lots allowed to B1 and B2
// and returns the lot IDs.
func seedPostgres(t *testing.T, ps *store.PostgresStore, suffix string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ol := &model.OfferList{
		ID: "ol-" + suffix, Number: "OL-" + suffix, SellerID: "S1",
		Status: model.OfferListLive, CreatedAt: t0,
	}
	require.NoError(t, ps.CreateOfferList(ctx, ol))

	var (
		ids  []string
		lots []*model.Lot
	)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("lot-%s-%d", suffix, i)
		ids = append(ids, id)
		lots = append(lots, &model.Lot{
			ID: id, OfferListID: ol.ID, SellerID: "S1",
			InvoiceNumber: fmt.Sprintf("INV-%s-%d", suffix, i), Grade: "BOP",
			BasePrice: d(1000), CurrentPrice: d(1000), AdminBid: d(1000),
			AllowedBuyers: []string{"B1", "B2"},
			Status:        model.LotOpen,
			CreatedAt:     t0, UpdatedAt: t0,
		})
	}
	require.NoError(t, ps.InsertLots(ctx, lots))
	return ids
}

func TestPostgres_ApplyBuyerBid(t *testing.T) {
	ps, suffix := newPostgres(t)
	lot := seedPostgres(t, ps, suffix, 1)[0]
	ctx := context.Background()

	l, err := ps.ApplyBuyerBid(ctx, lot, bid("B1", 1080))
	require.NoError(t, err)
	assert.Equal(t, "B1", l.HighestBidder)
	assert.Equal(t, model.LotCountered, l.Status)

	l, err = ps.ApplyBuyerBid(ctx, lot, bid("B2", 1080))
	assert.ErrorIs(t, err, model.ErrOutbid)
	require.NotNil(t, l)
	assert.Equal(t, "B1", l.HighestBidder)
	require.Len(t, l.BiddingHistory, 2, "a tie is recorded")
	assert.Equal(t, "B2", l.BiddingHistory[1].Bidder)

	_, err = ps.ApplyBuyerBid(ctx, lot, bid("B9", 2000))
	assert.ErrorIs(t, err, model.ErrBidderNotAllowed)

	require.NoError(t, ps.UpdateOfferListStatus(ctx, "ol-"+suffix, model.OfferListHidden))
	_, err = ps.ApplyBuyerBid(ctx, lot, bid("B2", 2000))
	assert.ErrorIs(t, err, model.ErrOfferListNotLive)

	l, err = ps.GetLot(ctx, lot)
	require.NoError(t, err)
	assert.True(t, l.HighestBiddingPrice.Equal(d(1080)))
	assert.Len(t, l.BiddingHistory, 2)
}

func TestPostgres_AcceptHighestBid(t *testing.T) {
	ps, suffix := newPostgres(t)
	lot := seedPostgres(t, ps, suffix, 1)[0]
	ctx := context.Background()

	_, err := ps.AcceptHighestBid(ctx, lot, t0)
	assert.ErrorIs(t, err, model.ErrNoHighestBidder)

	_, err = ps.ApplyBuyerBid(ctx, lot, bid("B1", 1080))
	require.NoError(t, err)

	l, err := ps.AcceptHighestBid(ctx, lot, t0)
	require.NoError(t, err)
	assert.Equal(t, "B1", l.SoldTo)
	assert.Equal(t, model.LotOrdered, l.Status)

	l, err = ps.AcceptHighestBid(ctx, lot, t0)
	assert.ErrorIs(t, err, model.ErrAlreadyOrdered)
	require.NotNil(t, l)
	assert.False(t, l.OrderMaterialized)

	_, err = ps.AcceptAdminPrice(ctx, lot, "B2", t0)
	assert.ErrorIs(t, err, model.ErrAlreadyOrdered)
	_, err = ps.ApplyAdminBid(ctx, lot, bid("admin", 1100))
	assert.ErrorIs(t, err, model.ErrAlreadyOrdered)
}

func TestPostgres_ConcurrentAccept_ExactlyOneWins(t *testing.T) {
	ps, suffix := newPostgres(t)
	lot := seedPostgres(t, ps, suffix, 1)[0]
	ctx := context.Background()
	_, err := ps.ApplyBuyerBid(ctx, lot, bid("B1", 1080))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = ps.AcceptHighestBid(ctx, lot, t0)
			} else {
				_, err = ps.AcceptAdminPrice(ctx, lot, "B2", t0)
			}
			if err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, model.ErrAlreadyOrdered)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgres_MaterializeFlags(t *testing.T) {
	ps, suffix := newPostgres(t)
	lot := seedPostgres(t, ps, suffix, 1)[0]
	ctx := context.Background()
	_, err := ps.AcceptAdminPrice(ctx, lot, "B2", t0)
	require.NoError(t, err)

	pending, err := ps.ListUnmaterializedLots(ctx)
	require.NoError(t, err)
	assert.Contains(t, lotIDs(pending), lot)

	first, created, err := ps.CreateOrderIfAbsent(ctx, &model.Order{
		ID: "o-" + suffix, LotID: lot, BuyerID: "B2", SellerID: "S1",
		DeliveryStatus: model.DeliveryGenerating, CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := ps.CreateOrderIfAbsent(ctx, &model.Order{
		ID: "o2-" + suffix, LotID: lot, BuyerID: "B2", SellerID: "S1",
		DeliveryStatus: model.DeliveryGenerating, CreatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	ok, err := ps.MarkOrderMaterialized(ctx, lot)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ps.MarkOrderMaterialized(ctx, lot)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = ps.MarkOrderMaterialized(ctx, "missing-"+suffix)
	assert.ErrorIs(t, err, model.ErrLotNotFound)

	pending, err = ps.ListUnmaterializedLots(ctx)
	require.NoError(t, err)
	assert.NotContains(t, lotIDs(pending), lot)
}

func TestPostgres_AssignSaleOrder(t *testing.T) {
	ps, suffix := newPostgres(t)
	lots := seedPostgres(t, ps, suffix, 3)
	ctx := context.Background()
	for i, lot := range lots {
		_, err := ps.AcceptAdminPrice(ctx, lot, "B1", t0)
		require.NoError(t, err)
		_, _, err = ps.CreateOrderIfAbsent(ctx, &model.Order{
			ID: fmt.Sprintf("o-%s-%d", suffix, i), LotID: lot, BuyerID: "B1", SellerID: "S1",
			DeliveryStatus: model.DeliveryGenerating, CreatedAt: t0,
		})
		require.NoError(t, err)
	}

	// Other tests may have issued numbers in the same window; only the
	// serial step between calls is stable.
	var issued []int
	windowStart := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	req := store.SaleOrderRequest{
		CashDiscount: "2%", DaysTerms: "30",
		WindowStart: windowStart, WindowEnd: windowStart.AddDate(1, 0, 0),
		At: t0,
		Mint: func(n int) string {
			issued = append(issued, n)
			return fmt.Sprintf("SO-%s-%d", suffix, n+1)
		},
	}

	req.LotIDs = lots[:2]
	res, err := ps.AssignSaleOrder(ctx, req)
	require.NoError(t, err)
	assert.Len(t, res.Orders, 2)

	req.LotIDs = []string{lots[0], lots[2]}
	res, err = ps.AssignSaleOrder(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, lots[2], res.Orders[0].LotID)
	assert.Equal(t, model.DeliveryAwaitingAddress, res.Orders[0].DeliveryStatus)

	require.Len(t, issued, 2)
	assert.GreaterOrEqual(t, issued[1], issued[0]+1)

	res, err = ps.AssignSaleOrder(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Number)
	assert.Len(t, issued, 2)
}

func lotIDs(lots []model.Lot) []string {
	ids := make([]string, len(lots))
	for i, l := range lots {
		ids[i] = l.ID
	}
	return ids
}
