package numbering_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/numbering"
	"github.com/atmx/lot-exchange/internal/store"
)

func seedOrders(t *testing.T, ms *store.MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ms.CreateOfferList(ctx, &model.OfferList{ID: "ol", Number: "OL", Status: model.OfferListLive}))
	for i := 1; i <= n; i++ {
		lotID := fmt.Sprintf("L%d", i)
		require.NoError(t, ms.InsertLots(ctx, []*model.Lot{{
			ID: lotID, OfferListID: "ol", InvoiceNumber: "INV-" + lotID, Status: model.LotOrdered,
		}}))
		_, _, err := ms.CreateOrderIfAbsent(ctx, &model.Order{
			ID: "o-" + lotID, LotID: lotID, BuyerID: "B1", DeliveryStatus: model.DeliveryGenerating,
		})
		require.NoError(t, err)
	}
}

func TestAssignNumbers_ConsecutiveWithinFiscalYear(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrders(t, ms, 4)
	clk := clock.NewFake(time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC))
	svc := numbering.New(ms, clk, time.UTC, nil)
	ctx := context.Background()

	a, err := svc.AssignNumbers(ctx, []string{"L1", "L2"}, "2%", "30")
	require.NoError(t, err)
	assert.Equal(t, "SO/25-26/07/001", a.Number)
	require.Len(t, a.Orders, 2)
	for _, o := range a.Orders {
		assert.Equal(t, model.DeliveryAwaitingAddress, o.DeliveryStatus)
		assert.Equal(t, "2%", o.CashDiscount)
		assert.Equal(t, "30", o.DaysTerms)
		require.NotNil(t, o.SaleOrderGeneratedAt)
	}

	clk.Set(time.Date(2026, 3, 31, 18, 0, 0, 0, time.UTC))
	a, err = svc.AssignNumbers(ctx, []string{"L3"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "SO/25-26/03/002", a.Number)

	// Crossing April 1 resets the serial.
	clk.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	a, err = svc.AssignNumbers(ctx, []string{"L4"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "SO/26-27/04/001", a.Number)

	lot, err := ms.GetLot(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, lot.SaleOrderGenerated)
}

func TestAssignNumbers_SkipsNumberedOrders(t *testing.T) {
	ms := store.NewMemoryStore()
	seedOrders(t, ms, 2)
	svc := numbering.New(ms, clock.NewFake(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)), nil, nil)
	ctx := context.Background()

	_, err := svc.AssignNumbers(ctx, []string{"L1"}, "", "")
	require.NoError(t, err)

	_, err = svc.AssignNumbers(ctx, []string{"L1", "L1"}, "", "")
	assert.ErrorIs(t, err, numbering.ErrNothingToNumber)

	_, err = svc.AssignNumbers(ctx, []string{"unknown"}, "", "")
	assert.ErrorIs(t, err, numbering.ErrNothingToNumber)

	_, err = svc.AssignNumbers(ctx, nil, "", "")
	assert.ErrorIs(t, err, numbering.ErrNoLots)

	a, err := svc.AssignNumbers(ctx, []string{"L1", "L2"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "SO/25-26/05/002", a.Number)
	require.Len(t, a.Orders, 1)
	assert.Equal(t, "L2", a.Orders[0].LotID)
}

func TestAssignNumbers_ConcurrentBatchesGetDistinctSerials(t *testing.T) {
	ms := store.NewMemoryStore()
	const n = 20
	seedOrders(t, ms, n)
	svc := numbering.New(ms, clock.NewFake(time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)), nil, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[string]bool)
	)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(lotID string) {
			defer wg.Done()
			a, err := svc.AssignNumbers(context.Background(), []string{lotID}, "", "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers[a.Number] = true
			mu.Unlock()
		}(fmt.Sprintf("L%d", i))
	}
	wg.Wait()

	assert.Len(t, numbers, n)
	assert.True(t, numbers["SO/25-26/09/001"])
	assert.True(t, numbers[fmt.Sprintf("SO/25-26/09/%03d", n)])
}
