package numbering

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/store"
)

var (
	ErrNoLots          = errors.New("numbering: no lots given")
	ErrNothingToNumber = errors.New("numbering: no unnumbered order among the given lots")
)

// Assignment is the outcome of one numbering batch.
type Assignment struct {
	Number string        `json:"number"`
	Orders []model.Order `json:"orders"`
}

// Service mints sale-order numbers. The count of issued numbers and the
// assignment happen under the store's numbering lock, so concurrent batches
// never share a serial.
type Service struct {
	store  store.Store
	clock  clock.Clock
	loc    *time.Location
	logger *slog.Logger
}

// New creates a Service evaluating fiscal years in loc (UTC when nil).
func New(s store.Store, clk clock.Clock, loc *time.Location, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, clock: clk, loc: loc, logger: logger}
}

// AssignNumbers mints one number and assigns it to every order of lotIDs
// that has none yet.
func (s *Service) AssignNumbers(ctx context.Context, lotIDs []string, cashDiscount, daysTerms string) (*Assignment, error) {
	lotIDs = dedupe(lotIDs)
	if len(lotIDs) == 0 {
		return nil, ErrNoLots
	}

	now := s.clock.Now()
	start, end := FiscalYear(now, s.loc)
	res, err := s.store.AssignSaleOrder(ctx, store.SaleOrderRequest{
		LotIDs:       lotIDs,
		CashDiscount: cashDiscount,
		DaysTerms:    daysTerms,
		WindowStart:  start,
		WindowEnd:    end,
		At:           now.UTC(),
		Mint: func(issued int) string {
			return Format(now, s.loc, issued+1)
		},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Orders) == 0 {
		return nil, ErrNothingToNumber
	}

	metrics.SaleOrdersIssued.Inc()
	s.logger.Info("sale order issued", "number", res.Number, "orders", len(res.Orders))
	return &Assignment{Number: res.Number, Orders: res.Orders}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
