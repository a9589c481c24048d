package catalog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lot-exchange/internal/catalog"
	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/notify"
	"github.com/atmx/lot-exchange/internal/store"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type sink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (s *sink) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

type invalidations struct{ ids []string }

func (i *invalidations) Invalidate(id string) { i.ids = append(i.ids, id) }

var (
	admin  = model.Caller{ID: "A1", Role: model.RoleAdmin}
	seller = model.Caller{ID: "S1", Role: model.RoleSeller}
	b1     = model.Caller{ID: "B1", Role: model.RoleBuyer}
	b2     = model.Caller{ID: "B2", Role: model.RoleBuyer}
)

func newService(t *testing.T) (*catalog.Service, *store.MemoryStore, *sink, *invalidations) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for _, p := range []*model.Participant{
		{ID: "B1", Role: model.RoleBuyer, Verified: true},
		{ID: "B2", Role: model.RoleBuyer, Verified: true},
		{ID: "B3", Role: model.RoleBuyer},
		{ID: "S1", Role: model.RoleSeller, Verified: true},
	} {
		require.NoError(t, ms.UpsertParticipant(ctx, p))
	}
	sk := &sink{}
	inv := &invalidations{}
	svc := catalog.New(ms, inv, notify.New(sk, nil, nil), clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)), nil)
	return svc, ms, sk, inv
}

func TestCreateOrExtend(t *testing.T) {
	svc, ms, sk, _ := newService(t)
	ctx := context.Background()

	res, err := svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-7", SellerID: "S1", Status: model.OfferListLive,
		Lots: []catalog.LotInput{
			{InvoiceNumber: "INV-1", Grade: "BOP", Price: d(1000), Buyers: []string{catalog.AllBuyers}},
			{InvoiceNumber: "INV-2", Grade: "BOP", Price: d(900), Buyers: []string{"B1", "B1"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Lots, 2)

	first := res.Lots[0]
	assert.Equal(t, []string{"B1", "B2"}, first.AllowedBuyers, "unverified buyers are left out")
	assert.True(t, first.CurrentPrice.Equal(d(1000)))
	assert.True(t, first.AdminBid.Equal(d(1000)))
	assert.True(t, first.HighestBiddingPrice.IsZero())
	assert.Equal(t, model.LotOpen, first.Status)
	assert.Equal(t, "S1", first.SellerID)
	assert.Equal(t, []string{"B1"}, res.Lots[1].AllowedBuyers)

	require.Len(t, sk.got, 1)
	assert.Equal(t, notify.OfferListLive, sk.got[0].Type)
	assert.Equal(t, []string{"B1", "B2"}, sk.got[0].To)

	// Same number extends the list.
	res2, err := svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-7",
		Lots:   []catalog.LotInput{{InvoiceNumber: "INV-3", Grade: "BOP", Price: d(800), Buyers: []string{"B2"}}},
	})
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.OfferList.ID, res2.OfferList.ID)
	assert.Equal(t, "S1", res2.Lots[0].SellerID)

	lots, err := ms.ListLots(ctx, res.OfferList.ID)
	require.NoError(t, err)
	assert.Len(t, lots, 3)
	assert.Len(t, sk.got, 1, "extending does not announce again")
}

func TestCreateOrExtend_Rejections(t *testing.T) {
	svc, ms, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-1", SellerID: "S1",
		Lots: []catalog.LotInput{{InvoiceNumber: "INV-1", Grade: "A", Price: d(10), Buyers: []string{"B1"}}},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  catalog.CreateRequest
	}{
		{"no number", catalog.CreateRequest{SellerID: "S1", Lots: []catalog.LotInput{{InvoiceNumber: "X", Price: d(1), Buyers: []string{"B1"}}}}},
		{"no lots", catalog.CreateRequest{Number: "OL-2", SellerID: "S1"}},
		{"bad status", catalog.CreateRequest{Number: "OL-2", SellerID: "S1", Status: "Closed", Lots: []catalog.LotInput{{InvoiceNumber: "X", Price: d(1), Buyers: []string{"B1"}}}}},
		{"zero price", catalog.CreateRequest{Number: "OL-2", SellerID: "S1", Lots: []catalog.LotInput{{InvoiceNumber: "X", Buyers: []string{"B1"}}}}},
		{"no buyers", catalog.CreateRequest{Number: "OL-2", SellerID: "S1", Lots: []catalog.LotInput{{InvoiceNumber: "X", Price: d(1)}}}},
		{"no seller", catalog.CreateRequest{Number: "OL-2", Lots: []catalog.LotInput{{InvoiceNumber: "X", Price: d(1), Buyers: []string{"B1"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateOrExtend(ctx, tt.req)
			assert.ErrorIs(t, err, catalog.ErrInvalid)
		})
	}

	_, err = svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-2", SellerID: "S1",
		Lots: []catalog.LotInput{{InvoiceNumber: "INV-1", Grade: "A", Price: d(10), Buyers: []string{"B1"}}},
	})
	assert.ErrorIs(t, err, model.ErrDuplicateLot)

	// The duplicate must not leave an empty OL-2 behind.
	_, err = ms.GetOfferListByNumber(ctx, "OL-2")
	assert.ErrorIs(t, err, model.ErrOfferListNotFound)
}

func TestSetStatusAndDelete(t *testing.T) {
	svc, ms, sk, inv := newService(t)
	ctx := context.Background()

	res, err := svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-1", SellerID: "S1", Status: model.OfferListUpcoming,
		Lots: []catalog.LotInput{{InvoiceNumber: "INV-1", Price: d(10), Buyers: []string{"B2"}}},
	})
	require.NoError(t, err)
	id := res.OfferList.ID
	assert.Empty(t, sk.got)

	_, err = svc.SetStatus(ctx, id, "Closed")
	assert.ErrorIs(t, err, catalog.ErrInvalid)

	ol, err := svc.SetStatus(ctx, id, model.OfferListLive)
	require.NoError(t, err)
	assert.Equal(t, model.OfferListLive, ol.Status)
	assert.Equal(t, []string{id}, inv.ids)
	require.Len(t, sk.got, 1)
	assert.Equal(t, []string{"B2"}, sk.got[0].To)

	_, err = svc.SetStatus(ctx, id, model.OfferListLive)
	require.NoError(t, err)
	assert.Len(t, sk.got, 1, "already live")

	assert.ErrorIs(t, svc.Delete(ctx, id), model.ErrOfferListLive)

	_, err = ms.ApplyBuyerBid(ctx, res.Lots[0].ID, model.BidEntry{Bidder: "B2", Price: d(11), Time: time.Now()})
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, id, model.OfferListHidden)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, id), model.ErrOfferListHasActivity)

	_, err = svc.SetStatus(ctx, "missing", model.OfferListLive)
	assert.ErrorIs(t, err, model.ErrOfferListNotFound)
}

func TestDelete_UntradedList(t *testing.T) {
	svc, ms, _, inv := newService(t)
	ctx := context.Background()

	res, err := svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-1", SellerID: "S1",
		Lots: []catalog.LotInput{{InvoiceNumber: "INV-1", Price: d(10), Buyers: []string{"B1"}}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, res.OfferList.ID))
	assert.Equal(t, []string{res.OfferList.ID}, inv.ids)

	_, err = ms.GetLot(ctx, res.Lots[0].ID)
	assert.ErrorIs(t, err, model.ErrLotNotFound)
}

// listed creates a Live list with three lots open to B1 and B2.
func listed(t *testing.T, svc *catalog.Service) *catalog.CreateResult {
	t.Helper()
	res, err := svc.CreateOrExtend(context.Background(), catalog.CreateRequest{
		Number: "OL-1", SellerID: "S1", Status: model.OfferListLive,
		Lots: []catalog.LotInput{
			{InvoiceNumber: "INV-1", Price: d(100), Buyers: []string{"B1", "B2"}},
			{InvoiceNumber: "INV-2", Price: d(100), Buyers: []string{"B1", "B2"}},
			{InvoiceNumber: "INV-3", Price: d(100), Buyers: []string{"B2"}},
		},
	})
	require.NoError(t, err)
	return res
}

func TestLots_RoleScopedViews(t *testing.T) {
	svc, ms, _, _ := newService(t)
	ctx := context.Background()
	res := listed(t, svc)
	olID := res.OfferList.ID
	l1, l2 := res.Lots[0].ID, res.Lots[1].ID
	now := time.Now()

	_, err := ms.ApplyBuyerBid(ctx, l1, model.BidEntry{Bidder: "B1", Price: d(110), Time: now})
	require.NoError(t, err)
	_, err = ms.ApplyBuyerBid(ctx, l1, model.BidEntry{Bidder: "B2", Price: d(120), Time: now.Add(time.Second)})
	require.NoError(t, err)
	_, err = ms.ApplyBuyerBid(ctx, l2, model.BidEntry{Bidder: "B2", Price: d(130), Time: now})
	require.NoError(t, err)
	// L1 sold to B1 at the admin price; L2 sold to B2.
	_, err = ms.AcceptAdminPrice(ctx, l1, "B1", now.Add(2*time.Second))
	require.NoError(t, err)
	_, err = ms.AcceptHighestBid(ctx, l2, now.Add(3*time.Second))
	require.NoError(t, err)

	all, err := svc.Lots(ctx, admin, olID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	own, err := svc.Lots(ctx, seller, olID)
	require.NoError(t, err)
	assert.Len(t, own, 3)

	_, err = svc.Lots(ctx, model.Caller{ID: "S9", Role: model.RoleSeller}, olID)
	assert.ErrorIs(t, err, catalog.ErrForbidden)

	forB1, err := svc.Lots(ctx, b1, olID)
	require.NoError(t, err)
	require.Len(t, forB1, 1, "L2 went to B2 and L3 is not open to B1")
	assert.Equal(t, l1, forB1[0].ID)
	require.Len(t, forB1[0].BiddingHistory, 1)
	assert.Equal(t, "B1", forB1[0].BiddingHistory[0].Bidder)
	assert.True(t, forB1[0].CurrentPrice.Equal(forB1[0].BiddingHistory[0].Price))

	forB2, err := svc.Lots(ctx, b2, olID)
	require.NoError(t, err)
	require.Len(t, forB2, 2)
	assert.Equal(t, res.Lots[2].ID, forB2[0].ID, "ordered lots sort last")
	assert.Equal(t, l2, forB2[1].ID)
	assert.Empty(t, forB2[0].BiddingHistory)
	assert.True(t, forB2[0].CurrentPrice.Equal(d(100)))
}

func TestOfferLists_Visibility(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	listed(t, svc)
	_, err := svc.CreateOrExtend(ctx, catalog.CreateRequest{
		Number: "OL-2", SellerID: "S2", Status: model.OfferListUpcoming,
		Lots: []catalog.LotInput{{InvoiceNumber: "INV-9", Price: d(10), Buyers: []string{"B1"}}},
	})
	require.NoError(t, err)

	count := func(c model.Caller) int {
		lists, err := svc.OfferLists(ctx, c)
		require.NoError(t, err)
		return len(lists)
	}
	assert.Equal(t, 2, count(admin))
	assert.Equal(t, 1, count(seller))
	assert.Equal(t, 1, count(b1))
	assert.Equal(t, 0, count(model.Caller{ID: "B3", Role: model.RoleBuyer}))
}

func TestSavedLots(t *testing.T) {
	svc, ms, _, _ := newService(t)
	ctx := context.Background()
	res := listed(t, svc)
	l1, l3 := res.Lots[0].ID, res.Lots[2].ID

	saved, err := svc.SaveLots(ctx, b1, []string{l1, l3, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{l1}, saved)

	lots, err := svc.SavedLots(ctx, b1)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, l1, lots[0].ID)

	_, err = svc.SaveLots(ctx, seller, []string{l1})
	assert.ErrorIs(t, err, catalog.ErrForbidden)
	_, err = svc.SaveLots(ctx, b1, nil)
	assert.ErrorIs(t, err, catalog.ErrInvalid)

	require.NoError(t, svc.UnsaveLots(ctx, b1, []string{l1}))
	p, err := ms.GetParticipant(ctx, "B1")
	require.NoError(t, err)
	assert.Empty(t, p.SavedLots)
}

func TestOrders_ScopedByRole(t *testing.T) {
	svc, ms, _, _ := newService(t)
	ctx := context.Background()
	for i, buyer := range []string{"B1", "B2"} {
		_, _, err := ms.CreateOrderIfAbsent(ctx, &model.Order{
			ID: "o" + buyer, LotID: "L" + buyer, BuyerID: buyer, SellerID: "S1",
			DeliveryStatus: model.DeliveryGenerating, CreatedAt: time.Unix(int64(i), 0),
		})
		require.NoError(t, err)
	}

	all, err := svc.Orders(ctx, admin, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := svc.Orders(ctx, b1, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "B1", mine[0].BuyerID)

	sold, err := svc.Orders(ctx, seller, "")
	require.NoError(t, err)
	assert.Len(t, sold, 2)

	_, err = svc.Orders(ctx, admin, "not-a-number")
	assert.ErrorIs(t, err, catalog.ErrInvalid)

	none, err := svc.Orders(ctx, admin, "SO/25-26/07/001")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegisterParticipant(t *testing.T) {
	svc, ms, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterParticipant(ctx, &model.Participant{ID: "B9", Role: model.RoleBuyer, Verified: true}))
	p, err := ms.GetParticipant(ctx, "B9")
	require.NoError(t, err)
	assert.True(t, p.Verified)

	assert.ErrorIs(t, svc.RegisterParticipant(ctx, &model.Participant{ID: "X", Role: "root"}), catalog.ErrInvalid)
}

func TestOrder_Ownership(t *testing.T) {
	svc, ms, _, _ := newService(t)
	ctx := context.Background()
	_, _, err := ms.CreateOrderIfAbsent(ctx, &model.Order{ID: "o1", LotID: "L1", BuyerID: "B1", SellerID: "S1"})
	require.NoError(t, err)

	for _, c := range []model.Caller{admin, seller, b1} {
		o, err := svc.Order(ctx, c, "o1")
		require.NoError(t, err, c.ID)
		assert.Equal(t, "o1", o.ID)
	}
	_, err = svc.Order(ctx, b2, "o1")
	assert.ErrorIs(t, err, catalog.ErrForbidden)
	_, err = svc.Order(ctx, admin, "o2")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}
