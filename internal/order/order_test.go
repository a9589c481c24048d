package order_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/documents"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/notify"
	"github.com/atmx/lot-exchange/internal/order"
	"github.com/atmx/lot-exchange/internal/store"
)

var now = time.Date(2025, 8, 5, 11, 0, 0, 0, time.UTC)

// flakyStore fails PruneSavedLot, and optionally CreateOrderIfAbsent, a
// fixed number of times.
type flakyStore struct {
	store.Store
	failures       int32
	calls          atomic.Int32
	createFailures int32
	creates        atomic.Int32
}

func (f *flakyStore) CreateOrderIfAbsent(ctx context.Context, o *model.Order) (*model.Order, bool, error) {
	if f.creates.Add(1) <= f.createFailures {
		return nil, false, errors.New("connection reset")
	}
	return f.Store.CreateOrderIfAbsent(ctx, o)
}

func (f *flakyStore) PruneSavedLot(ctx context.Context, lotID string) (int64, error) {
	if f.calls.Add(1) <= f.failures {
		return 0, errors.New("connection reset")
	}
	return f.Store.PruneSavedLot(ctx, lotID)
}

type recorder struct{ sent []notify.Notification }

func (r *recorder) Send(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func seedOrdered(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ms.CreateOfferList(ctx, &model.OfferList{ID: "ol", Number: "OL", Status: model.OfferListLive}))
	require.NoError(t, ms.InsertLots(ctx, []*model.Lot{{
		ID: "L", OfferListID: "ol", SellerID: "S1", InvoiceNumber: "INV", AllowedBuyers: []string{"B1"}, Status: model.LotOpen,
	}}))
	require.NoError(t, ms.UpsertParticipant(ctx, &model.Participant{ID: "B1", Role: model.RoleBuyer, Verified: true}))
	require.NoError(t, ms.SaveLots(ctx, "B1", []string{"L", "other"}))
	_, err := ms.AcceptAdminPrice(ctx, "L", "B1", now)
	require.NoError(t, err)
}

func TestMaterialize_Idempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	m := order.New(ms, nil, nil, clock.NewFake(now), nil)
	ctx := context.Background()

	first, completed, err := m.Materialize(ctx, "L", "B1", "S1")
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, model.DeliveryGenerating, first.DeliveryStatus)

	second, completed, err := m.Materialize(ctx, "L", "B1", "S1")
	require.NoError(t, err)
	assert.False(t, completed, "only the first call completes the lot")
	assert.Equal(t, first.ID, second.ID)

	orders, err := ms.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	lot, err := ms.GetLot(ctx, "L")
	require.NoError(t, err)
	assert.True(t, lot.OrderMaterialized)

	p, err := ms.GetParticipant(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, p.SavedLots)
}

func TestMaterialize_PruneRetries(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	fs := &flakyStore{Store: ms, failures: 2}
	m := order.New(fs, nil, nil, clock.NewFake(now), nil, order.WithPruneRetry(5, time.Millisecond))

	_, _, err := m.Materialize(context.Background(), "L", "B1", "S1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fs.calls.Load())

	p, err := ms.GetParticipant(context.Background(), "B1")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, p.SavedLots)
}

func TestMaterialize_PruneFailureIsNotFatal(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	fs := &flakyStore{Store: ms, failures: 100}
	m := order.New(fs, nil, nil, clock.NewFake(now), logger, order.WithPruneRetry(3, time.Millisecond))

	o, _, err := m.Materialize(context.Background(), "L", "B1", "S1")
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, int32(3), fs.calls.Load())
	assert.Contains(t, buf.String(), "saved lot prune failed")
}

func TestMaterialize_CreateFailureLeavesLotPending(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	fs := &flakyStore{Store: ms, createFailures: 1}
	m := order.New(fs, nil, nil, clock.NewFake(now), nil)
	ctx := context.Background()

	_, completed, err := m.Materialize(ctx, "L", "B1", "S1")
	require.Error(t, err)
	assert.False(t, completed)

	pending, err := ms.ListUnmaterializedLots(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "L", pending[0].ID)

	p, err := ms.GetParticipant(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, []string{"L", "other"}, p.SavedLots, "watchlists are pruned only once the order exists")
}

func TestReconcile(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	fs := &flakyStore{Store: ms, createFailures: 1}
	m := order.New(fs, nil, nil, clock.NewFake(now), nil)
	ctx := context.Background()

	_, _, err := m.Materialize(ctx, "L", "B1", "S1")
	require.Error(t, err)

	n, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orders, err := ms.ListOrders(ctx, store.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "B1", orders[0].BuyerID)
	assert.Equal(t, "S1", orders[0].SellerID)

	lot, err := ms.GetLot(ctx, "L")
	require.NoError(t, err)
	assert.True(t, lot.OrderMaterialized)

	n, err = m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_ReportsFailures(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	fs := &flakyStore{Store: ms, createFailures: 100}
	m := order.New(fs, nil, nil, clock.NewFake(now), nil)

	n, err := m.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestUpdateDeliveryStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	clk := clock.NewFake(now)
	m := order.New(ms, nil, nil, clk, nil)
	ctx := context.Background()

	o, _, err := m.Materialize(ctx, "L", "B1", "S1")
	require.NoError(t, err)

	_, err = m.UpdateDeliveryStatus(ctx, o.ID, "Lost at sea")
	assert.ErrorIs(t, err, order.ErrInvalidDeliveryStatus)

	clk.Advance(72 * time.Hour)
	orders, err := m.UpdateDeliveryStatus(ctx, o.ID, model.DeliveryComplete)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.NotNil(t, orders[0].DeliveryDate)
	assert.True(t, orders[0].DeliveryDate.Equal(now.Add(72*time.Hour)))
}

func TestAttachDocument(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrdered(t, ms)
	docs := documents.NewMemoryStore("mem://docs")
	rec := &recorder{}
	m := order.New(ms, docs, notify.New(rec, clock.NewFake(now), nil), clock.NewFake(now), nil)
	ctx := context.Background()

	o, _, err := m.Materialize(ctx, "L", "B1", "S1")
	require.NoError(t, err)

	_, err = m.AttachDocument(ctx, o.ID, "passport", "a.pdf", "application/pdf", []byte("x"))
	assert.ErrorIs(t, err, order.ErrUnknownDocumentKind)

	_, err = m.AttachDocument(ctx, o.ID, model.DocTaxInvoice, "a.pdf", "application/pdf", nil)
	assert.ErrorIs(t, err, order.ErrEmptyDocument)

	_, err = m.AttachDocument(ctx, "missing", model.DocTaxInvoice, "a.pdf", "application/pdf", []byte("x"))
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	orders, err := m.AttachDocument(ctx, o.ID, model.DocTaxInvoice, "../../inv.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	url := orders[0].Documents.TaxInvoiceURL
	assert.True(t, strings.HasPrefix(url, "mem://docs/orders/"+o.ID+"/tax-invoice/"), url)
	assert.True(t, strings.HasSuffix(url, "-inv.pdf"), url)

	require.Len(t, rec.sent, 2)
	assert.Equal(t, notify.OrderDocsUpdated, rec.sent[0].Type)
	assert.Equal(t, model.RoleAdmin, rec.sent[0].Role)
	assert.Equal(t, []string{"B1"}, rec.sent[1].To)
}
