// Package protocol turns batched bid and acceptance requests into ledger
// transitions and fans the results out to observing sessions.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/atmx/lot-exchange/internal/ledger"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/notify"
	"github.com/atmx/lot-exchange/internal/registry"
)

var (
	// ErrInvalidRequest is a malformed or incomplete request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrForbidden is a request whose identity or role does not match the
	// authenticated session.
	ErrForbidden = errors.New("forbidden")
)

const reasonStorageUnavailable = "storage unavailable"

// Broadcaster delivers events to sessions. Delivery is best effort.
type Broadcaster interface {
	Publish(ev Event, to ...registry.SessionID)
}

// Directory resolves participants; satisfied by store.Store.
type Directory interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)
}

// Materializer creates the order for an accepted lot.
type Materializer interface {
	Materialize(ctx context.Context, lotID, buyerID, sellerID string) (*model.Order, bool, error)
}

// Session is the submitter of a request. Caller is nil when the transport
// did not authenticate; payload identities are then trusted as given.
type Session struct {
	ID     registry.SessionID
	Caller *model.Caller
}

// AcceptCommand is one of AdminAccept or BuyerAccept.
type AcceptCommand interface {
	lots() []string
}

// AdminAccept sells each lot to its highest buyer bidder.
type AdminAccept struct {
	LotIDs []string
}

// BuyerAccept sells each lot to BuyerID at the admin counter-price.
type BuyerAccept struct {
	LotIDs  []string
	BuyerID string
}

func (c AdminAccept) lots() []string { return c.LotIDs }
func (c BuyerAccept) lots() []string { return c.LotIDs }

type discard struct{}

func (discard) Publish(Event, ...registry.SessionID) {}

// Option configures an Engine.
type Option func(*Engine)

// WithBroadcaster sets where events go. NewHub sets itself.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.out = b }
}

// WithHotThreshold overrides ledger.DefaultHotThreshold.
func WithHotThreshold(d decimal.Decimal) Option {
	return func(e *Engine) { e.hotThreshold = d }
}

// Engine processes protocol actions.
type Engine struct {
	ledger       *ledger.Ledger
	registry     *registry.Registry
	directory    Directory
	orders       Materializer
	notifier     *notify.Notifier
	out          Broadcaster
	hotThreshold decimal.Decimal
	logger       *slog.Logger
}

// New creates an Engine.
func New(l *ledger.Ledger, reg *registry.Registry, dir Directory, orders Materializer, n *notify.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.New(nil, nil, logger)
	}
	e := &Engine{
		ledger:       l,
		registry:     reg,
		directory:    dir,
		orders:       orders,
		notifier:     n,
		out:          discard{},
		hotThreshold: ledger.DefaultHotThreshold,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubscribeBuyer makes the session a buyer observer of the lots.
func (e *Engine) SubscribeBuyer(s Session, req SubscribeBuyerRequest) error {
	ids, err := batch(req.LotIDs)
	if err != nil {
		return err
	}
	if _, err := identify(s, req.BuyerID, model.RoleBuyer); err != nil {
		return err
	}
	e.registry.Join(s.ID, registry.BuyerObserver, ids...)
	return nil
}

// SubscribeAdmin makes the session an admin observer of the lots.
func (e *Engine) SubscribeAdmin(s Session, req SubscribeAdminRequest) error {
	ids, err := batch(req.LotIDs)
	if err != nil {
		return err
	}
	if _, err := identify(s, req.AdminID, model.RoleAdmin); err != nil {
		return err
	}
	e.registry.Join(s.ID, registry.AdminObserver, ids...)
	return nil
}

// Unsubscribe removes the session from the lots in both classes.
func (e *Engine) Unsubscribe(s Session, req UnsubscribeRequest) error {
	ids, err := batch(req.LotIDs)
	if err != nil {
		return err
	}
	e.registry.Leave(s.ID, ids...)
	return nil
}

// BuyerBid places the same buyer bid on every lot of the batch.
func (e *Engine) BuyerBid(ctx context.Context, s Session, req BuyerBidRequest) (Ack, error) {
	defer observe(ActionBuyerBid)()

	ids, err := batch(req.LotIDs)
	if err != nil {
		return Ack{}, err
	}
	bidder, err := identify(s, req.BidderID, model.RoleBuyer)
	if err != nil {
		return Ack{}, err
	}
	if !req.Price.IsPositive() {
		return Ack{}, fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}

	ack := newAck()
	var placed []string
	for _, id := range ids {
		out, err := e.ledger.PlaceBuyerBid(ctx, id, bidder, req.Price)
		if err != nil {
			ack.fail(id, nil, reasonStorageUnavailable)
			continue
		}
		if !out.Applied {
			ack.fail(id, buyerView(out.Lot, bidder), out.Reason.Error())
			continue
		}
		ack.succeed(out.Lot.BuyerView(bidder))
		placed = append(placed, id)

		e.publish(Event{Event: EventAdminBidUpdate, Data: BidUpdate{
			LotID:    id,
			BidderID: bidder,
			Price:    req.Price,
			Lot:      out.Lot,
		}}, e.registry.Observers(id, registry.AdminObserver))

		if ledger.IsHot(out.Lot, e.hotThreshold) {
			e.publish(Event{Event: EventHotLot, Data: HotLot{Lot: summarize(out.Lot)}},
				except(e.registry.Observers(id, registry.BuyerObserver), s.ID))
		}
	}
	ack.Success = true
	ack.Message = fmt.Sprintf("Bids placed. Successful: %d, Failed: %d", ack.SuccessCount, ack.FailedCount)

	if len(placed) > 0 {
		e.notifier.Emit(ctx, notify.Notification{
			Type:    notify.NewOffer,
			Role:    model.RoleAdmin,
			LotIDs:  placed,
			Message: fmt.Sprintf("Buyer %s offered %s on %d lot(s)", bidder, req.Price, len(placed)),
		})
	}
	return ack, nil
}

// AdminBid sets the admin counter-price on every lot of the batch.
func (e *Engine) AdminBid(ctx context.Context, s Session, req AdminBidRequest) (Ack, error) {
	defer observe(ActionAdminBid)()

	ids, err := batch(req.LotIDs)
	if err != nil {
		return Ack{}, err
	}
	admin, err := identify(s, req.AdminID, model.RoleAdmin)
	if err != nil {
		return Ack{}, err
	}
	if !req.Price.IsPositive() {
		return Ack{}, fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}

	ack := newAck()
	var placed []string
	buyers := make(map[string]struct{})
	for _, id := range ids {
		out, err := e.ledger.PlaceAdminBid(ctx, id, admin, req.Price)
		if err != nil {
			ack.fail(id, nil, reasonStorageUnavailable)
			continue
		}
		if !out.Applied {
			ack.fail(id, out.Lot, out.Reason.Error())
			continue
		}
		ack.succeed(out.Lot)
		placed = append(placed, id)
		for _, b := range out.Lot.AllowedBuyers {
			buyers[b] = struct{}{}
		}

		summary := summarize(out.Lot)
		e.publish(Event{Event: EventAdminBidUpdated, Data: AdminPriceUpdate{Summary: summary}},
			e.registry.Observers(id, registry.BuyerObserver))
		e.publish(Event{Event: EventAdminBidUpdated, Data: AdminPriceUpdate{Summary: summary, Lot: out.Lot}},
			e.registry.Observers(id, registry.AdminObserver))
	}
	ack.Success = ack.SuccessCount > 0
	ack.Message = fmt.Sprintf("Admin price set. Successful: %d, Failed: %d", ack.SuccessCount, ack.FailedCount)

	if len(placed) > 0 {
		e.notifier.Emit(ctx, notify.Notification{
			Type:    notify.AdminOffer,
			Role:    model.RoleBuyer,
			To:      sortedKeys(buyers),
			LotIDs:  placed,
			Message: fmt.Sprintf("New admin price %s on %d lot(s)", req.Price, len(placed)),
		})
	}
	return ack, nil
}

// AcceptBid resolves the caller's role and accepts the batch on its behalf.
func (e *Engine) AcceptBid(ctx context.Context, s Session, req AcceptBidRequest) (Ack, error) {
	defer observe(ActionAcceptBid)()

	ids, err := batch(req.LotIDs)
	if err != nil {
		return Ack{}, err
	}
	user, err := identify(s, req.UserID, "")
	if err != nil {
		return Ack{}, err
	}
	role, err := e.roleOf(ctx, s, user)
	if err != nil {
		return Ack{}, err
	}

	switch role {
	case model.RoleAdmin:
		return e.Accept(ctx, s, AdminAccept{LotIDs: ids}), nil
	case model.RoleBuyer:
		return e.Accept(ctx, s, BuyerAccept{LotIDs: ids, BuyerID: user}), nil
	default:
		return Ack{}, fmt.Errorf("%w: %s cannot accept bids", ErrForbidden, role)
	}
}

// Accept runs an acceptance command. A lot counts as accepted once its order
// exists; a lot left ordered without one by an earlier failure is completed
// when the winning side accepts it again.
func (e *Engine) Accept(ctx context.Context, s Session, cmd AcceptCommand) Ack {
	ack := newAck()
	soldTo := make(map[string][]string)
	var order []string

	for _, id := range dedupe(cmd.lots()) {
		var (
			out ledger.Outcome
			err error
			by  model.Role
		)
		switch c := cmd.(type) {
		case AdminAccept:
			by = model.RoleAdmin
			out, err = e.ledger.AcceptAsAdmin(ctx, id)
		case BuyerAccept:
			by = model.RoleBuyer
			out, err = e.ledger.AcceptAsBuyer(ctx, id, c.BuyerID)
		}
		if err != nil {
			ack.fail(id, nil, reasonStorageUnavailable)
			continue
		}
		view := func(lot *model.Lot) *model.Lot {
			if c, ok := cmd.(BuyerAccept); ok {
				return buyerView(lot, c.BuyerID)
			}
			return lot
		}
		if !out.Applied && !resumable(cmd, out) {
			ack.fail(id, view(out.Lot), out.Reason.Error())
			continue
		}

		lot := out.Lot
		_, completed, err := e.orders.Materialize(ctx, lot.ID, lot.SoldTo, lot.SellerID)
		if err != nil {
			e.logger.Error("order materialization failed", "lot", lot.ID, "buyer", lot.SoldTo, "err", err)
			ack.fail(id, view(lot), reasonStorageUnavailable)
			continue
		}
		if !completed {
			ack.fail(id, view(lot), model.ErrAlreadyOrdered.Error())
			continue
		}
		lot.OrderMaterialized = true
		if c, ok := cmd.(BuyerAccept); ok {
			ack.succeed(lot.BuyerView(c.BuyerID))
		} else {
			ack.succeed(lot)
		}
		if _, seen := soldTo[lot.SoldTo]; !seen {
			order = append(order, lot.SoldTo)
		}
		soldTo[lot.SoldTo] = append(soldTo[lot.SoldTo], lot.ID)

		summary := summarize(lot)
		e.publish(Event{Event: EventOrderAccepted, Data: OrderAccepted{Summary: summary, AcceptedBy: by}},
			e.registry.Observers(id, registry.BuyerObserver))
		e.publish(Event{Event: EventOrderAccepted, Data: OrderAccepted{Summary: summary, AcceptedBy: by, Lot: lot}},
			e.registry.Observers(id, registry.AdminObserver))
	}

	ack.Success = ack.SuccessCount > 0
	if ack.Success {
		ack.Message = fmt.Sprintf("%d lot(s) accepted successfully", ack.SuccessCount)
	} else {
		ack.Message = "No lots accepted"
	}

	for _, buyer := range order {
		lots := soldTo[buyer]
		switch cmd.(type) {
		case AdminAccept:
			e.notifier.Emit(ctx, notify.Notification{
				Type:    notify.BidAcceptedByAdmin,
				Role:    model.RoleBuyer,
				To:      []string{buyer},
				LotIDs:  lots,
				Message: fmt.Sprintf("Your bid was accepted on %d lot(s)", len(lots)),
			})
		case BuyerAccept:
			e.notifier.Emit(ctx, notify.Notification{
				Type:    notify.BidAcceptedByBuyer,
				Role:    model.RoleAdmin,
				LotIDs:  lots,
				Message: fmt.Sprintf("Buyer %s accepted the admin price on %d lot(s)", buyer, len(lots)),
			})
		}
	}
	return ack
}

// resumable reports whether a rejected accept found the lot sold to the
// accepting side but without its order.
func resumable(cmd AcceptCommand, out ledger.Outcome) bool {
	lot := out.Lot
	if !errors.Is(out.Reason, model.ErrAlreadyOrdered) || lot == nil || lot.OrderMaterialized || lot.SoldTo == "" {
		return false
	}
	if c, ok := cmd.(BuyerAccept); ok {
		return c.BuyerID == lot.SoldTo
	}
	return true
}

// Dispatch decodes and runs one inbound envelope, replying to the session.
func (e *Engine) Dispatch(ctx context.Context, s Session, env Envelope) {
	var (
		ack   Ack
		reply string
		err   error
	)
	switch env.Action {
	case ActionSubscribeBuyer:
		err = decodeThen(env.Payload, func(req SubscribeBuyerRequest) error { return e.SubscribeBuyer(s, req) })
	case ActionSubscribeAdmin:
		err = decodeThen(env.Payload, func(req SubscribeAdminRequest) error { return e.SubscribeAdmin(s, req) })
	case ActionUnsubscribe:
		err = decodeThen(env.Payload, func(req UnsubscribeRequest) error { return e.Unsubscribe(s, req) })
	case ActionBuyerBid:
		reply = EventBuyerBidAck
		err = decodeThen(env.Payload, func(req BuyerBidRequest) (err error) {
			ack, err = e.BuyerBid(ctx, s, req)
			return err
		})
	case ActionAdminBid:
		reply = EventAdminBidAck
		err = decodeThen(env.Payload, func(req AdminBidRequest) (err error) {
			ack, err = e.AdminBid(ctx, s, req)
			return err
		})
	case ActionAcceptBid:
		reply = EventBidAcceptResp
		err = decodeThen(env.Payload, func(req AcceptBidRequest) (err error) {
			ack, err = e.AcceptBid(ctx, s, req)
			return err
		})
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, env.Action)
	}

	if err != nil {
		e.logger.Debug("request rejected", "session", s.ID, "action", env.Action, "err", err)
		e.out.Publish(Event{Event: EventError, Data: ErrorData{Action: env.Action, Message: err.Error()}}, s.ID)
		return
	}
	if reply != "" {
		e.out.Publish(Event{Event: reply, Data: ack}, s.ID)
	}
}

func (e *Engine) roleOf(ctx context.Context, s Session, user string) (model.Role, error) {
	p, err := e.directory.GetParticipant(ctx, user)
	switch {
	case err == nil:
		if s.Caller != nil && p.Role != s.Caller.Role {
			return "", fmt.Errorf("%w: role does not match session", ErrForbidden)
		}
		return p.Role, nil
	case errors.Is(err, model.ErrParticipantNotFound):
		if s.Caller != nil {
			return s.Caller.Role, nil
		}
		return "", fmt.Errorf("%w: unknown participant %s", ErrInvalidRequest, user)
	default:
		return "", fmt.Errorf("resolve participant %s: %w", user, err)
	}
}

func (e *Engine) publish(ev Event, to []registry.SessionID) {
	if len(to) > 0 {
		e.out.Publish(ev, to...)
	}
}

func newAck() Ack {
	return Ack{Successful: []*model.Lot{}, Failed: []Failure{}}
}

func (a *Ack) succeed(lot *model.Lot) {
	a.Successful = append(a.Successful, lot)
	a.SuccessCount++
}

func (a *Ack) fail(lotID string, lot *model.Lot, reason string) {
	a.Failed = append(a.Failed, Failure{LotID: lotID, Lot: lot, Reason: reason})
	a.FailedCount++
}

// identify returns the identity a request acts as. With an authenticated
// session the claimed identity must match it and role, when set, must be the
// session's role.
func identify(s Session, claimed string, role model.Role) (string, error) {
	if s.Caller == nil {
		if claimed == "" {
			return "", fmt.Errorf("%w: missing identity", ErrInvalidRequest)
		}
		return claimed, nil
	}
	if claimed != "" && claimed != s.Caller.ID {
		return "", fmt.Errorf("%w: identity does not match session", ErrForbidden)
	}
	if role != "" && s.Caller.Role != role {
		return "", fmt.Errorf("%w: requires %s role", ErrForbidden, role)
	}
	return s.Caller.ID, nil
}

func batch(ids []string) ([]string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: lotIds must not be empty", ErrInvalidRequest)
	}
	return ids, nil
}

// dedupe drops empty and repeated ids, keeping first occurrences in order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func except(ids []registry.SessionID, skip registry.SessionID) []registry.SessionID {
	out := ids[:0]
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func buyerView(lot *model.Lot, buyerID string) *model.Lot {
	if lot == nil {
		return nil
	}
	return lot.BuyerView(buyerID)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func decodeThen[Req any](raw json.RawMessage, fn func(Req) error) error {
	var req Req
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return fn(req)
}

func observe(action string) func() {
	timer := prometheus.NewTimer(metrics.BatchLatency.WithLabelValues(action))
	return func() { timer.ObserveDuration() }
}
