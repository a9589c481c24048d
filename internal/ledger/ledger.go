// Package ledger owns the lifecycle of a lot: price discovery through the
// buyer and admin bid tracks, and the irrevocable transition to ordered.
//
// Every transition is delegated to a conditional write in the store; the
// ledger never reads a lot and then writes it. It also never broadcasts:
// callers get an Outcome and decide who to tell.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/store"
)

// DefaultHotThreshold is how close the highest buyer bid must come to the
// admin counter-price for the lot to be considered hot.
var DefaultHotThreshold = decimal.NewFromInt(5)

// LiveGate answers whether an offer list currently accepts bids. A stale
// answer is tolerated; the store re-checks inside its conditional write.
type LiveGate interface {
	IsLive(ctx context.Context, offerListID string) (bool, error)
}

// Outcome is the per-lot result of a transition. Reason is nil when Applied
// and otherwise one of the model precondition or lookup errors. Lot is the
// lot as stored after the attempt, nil when the lot does not exist.
type Outcome struct {
	Applied bool
	Lot     *model.Lot
	Reason  error
}

// Ledger applies bid and acceptance transitions.
type Ledger struct {
	store  store.Store
	gate   LiveGate
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Ledger. gate may be nil, in which case only the store guards
// the offer list status.
func New(s store.Store, gate LiveGate, clk clock.Clock, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, gate: gate, clock: clk, logger: logger}
}

// PlaceBuyerBid raises the lot's highest bid to price when price is strictly
// greater than the current highest bid. A bid that loses on price is still
// recorded in the history.
func (l *Ledger) PlaceBuyerBid(ctx context.Context, lotID, bidderID string, price decimal.Decimal) (Outcome, error) {
	if out, stop, err := l.precheck(ctx, lotID); stop {
		metrics.BidsTotal.WithLabelValues("buyer", outcomeLabel(out)).Inc()
		return out, err
	}

	entry := model.BidEntry{Bidder: bidderID, Price: price, Time: l.clock.Now().UTC()}
	lot, err := l.store.ApplyBuyerBid(ctx, lotID, entry)
	out, err := l.outcome(lot, err)
	if err != nil {
		l.logger.Error("buyer bid failed", "lot", lotID, "bidder", bidderID, "err", err)
		return Outcome{}, err
	}
	metrics.BidsTotal.WithLabelValues("buyer", outcomeLabel(out)).Inc()
	return out, nil
}

// PlaceAdminBid sets the admin counter-price. The admin track is never
// compared against the buyer track.
func (l *Ledger) PlaceAdminBid(ctx context.Context, lotID, adminID string, price decimal.Decimal) (Outcome, error) {
	if out, stop, err := l.precheck(ctx, lotID); stop {
		metrics.BidsTotal.WithLabelValues("admin", outcomeLabel(out)).Inc()
		return out, err
	}

	entry := model.BidEntry{Bidder: adminID, Price: price, Time: l.clock.Now().UTC()}
	lot, err := l.store.ApplyAdminBid(ctx, lotID, entry)
	out, err := l.outcome(lot, err)
	if err != nil {
		l.logger.Error("admin bid failed", "lot", lotID, "err", err)
		return Outcome{}, err
	}
	metrics.BidsTotal.WithLabelValues("admin", outcomeLabel(out)).Inc()
	return out, nil
}

// AcceptAsAdmin sells the lot to its current highest bidder.
func (l *Ledger) AcceptAsAdmin(ctx context.Context, lotID string) (Outcome, error) {
	lot, err := l.store.AcceptHighestBid(ctx, lotID, l.clock.Now().UTC())
	out, err := l.outcome(lot, err)
	if err != nil {
		l.logger.Error("admin accept failed", "lot", lotID, "err", err)
		return Outcome{}, err
	}
	metrics.AcceptsTotal.WithLabelValues("admin", outcomeLabel(out)).Inc()
	return out, nil
}

// AcceptAsBuyer sells the lot to buyerID at the admin counter-price.
func (l *Ledger) AcceptAsBuyer(ctx context.Context, lotID, buyerID string) (Outcome, error) {
	lot, err := l.store.AcceptAdminPrice(ctx, lotID, buyerID, l.clock.Now().UTC())
	out, err := l.outcome(lot, err)
	if err != nil {
		l.logger.Error("buyer accept failed", "lot", lotID, "buyer", buyerID, "err", err)
		return Outcome{}, err
	}
	metrics.AcceptsTotal.WithLabelValues("buyer", outcomeLabel(out)).Inc()
	return out, nil
}

// precheck consults the live gate before any write. It reports stop when the
// bid must be rejected without touching the store.
func (l *Ledger) precheck(ctx context.Context, lotID string) (Outcome, bool, error) {
	if l.gate == nil {
		return Outcome{}, false, nil
	}
	lot, err := l.store.GetLot(ctx, lotID)
	if errors.Is(err, model.ErrLotNotFound) {
		return Outcome{Reason: model.ErrLotNotFound}, true, nil
	}
	if err != nil {
		return Outcome{}, true, fmt.Errorf("read lot %s: %w", lotID, err)
	}
	live, err := l.gate.IsLive(ctx, lot.OfferListID)
	if err != nil {
		// The store still enforces the status; fall through to it.
		l.logger.Warn("live gate unavailable", "offer_list", lot.OfferListID, "err", err)
		return Outcome{}, false, nil
	}
	if !live {
		return Outcome{Lot: lot, Reason: model.ErrOfferListNotLive}, true, nil
	}
	return Outcome{}, false, nil
}

// outcome folds a store result into an Outcome. Preconditions and lookups
// become a Reason; anything else is a storage fault.
func (l *Ledger) outcome(lot *model.Lot, err error) (Outcome, error) {
	switch {
	case err == nil:
		return Outcome{Applied: true, Lot: lot}, nil
	case model.IsPrecondition(err):
		return Outcome{Lot: lot, Reason: err}, nil
	case errors.Is(err, model.ErrLotNotFound):
		return Outcome{Reason: model.ErrLotNotFound}, nil
	default:
		return Outcome{}, err
	}
}

// IsHot reports whether the buyer track has reached, or come within
// threshold of, the admin counter-price on a lot that is still open.
func IsHot(lot *model.Lot, threshold decimal.Decimal) bool {
	if lot == nil || lot.Status == model.LotOrdered {
		return false
	}
	if lot.HighestBidder == "" || lot.AdminBid.IsZero() {
		return false
	}
	if lot.HighestBiddingPrice.GreaterThan(lot.AdminBid) {
		return true
	}
	return lot.AdminBid.Sub(lot.HighestBiddingPrice).LessThanOrEqual(threshold)
}

func outcomeLabel(o Outcome) string {
	switch {
	case o.Applied:
		return "applied"
	case errors.Is(o.Reason, model.ErrAlreadyOrdered):
		return "already_ordered"
	case errors.Is(o.Reason, model.ErrOfferListNotLive):
		return "not_live"
	case errors.Is(o.Reason, model.ErrBidderNotAllowed):
		return "not_allowed"
	case errors.Is(o.Reason, model.ErrOutbid):
		return "outbid"
	case errors.Is(o.Reason, model.ErrNoHighestBidder):
		return "no_highest_bidder"
	case errors.Is(o.Reason, model.ErrLotNotFound):
		return "not_found"
	default:
		return "error"
	}
}
