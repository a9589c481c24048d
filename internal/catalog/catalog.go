// Package catalog manages offer lists and their lots, and serves the
// role-scoped read views of lots, offer lists, saved lots and orders.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/notify"
	"github.com/atmx/lot-exchange/internal/numbering"
	"github.com/atmx/lot-exchange/internal/store"
)

// AllBuyers in LotInput.Buyers grants access to every verified buyer at
// creation time.
const AllBuyers = "All"

var (
	ErrInvalid   = errors.New("invalid catalog request")
	ErrForbidden = errors.New("not permitted for caller")
)

// LotInput describes one lot to list.
type LotInput struct {
	InvoiceNumber string          `json:"invoice_number"`
	Mark          string          `json:"mark"`
	Grade         string          `json:"grade"`
	Quantity      string          `json:"quantity"`
	Bags          int             `json:"bags"`
	Price         decimal.Decimal `json:"price"`
	Buyers        []string        `json:"buyers"`
}

// CreateRequest creates an offer list, or adds lots to the list with the
// same number when it already exists.
type CreateRequest struct {
	Number   string                `json:"number"`
	SellerID string                `json:"seller_id"`
	Status   model.OfferListStatus `json:"status"`
	Lots     []LotInput            `json:"lots"`
}

// CreateResult is the offer list with the lots just added.
type CreateResult struct {
	OfferList *model.OfferList `json:"offer_list"`
	Lots      []*model.Lot     `json:"lots"`
	Created   bool             `json:"created"`
}

// Invalidator forgets cached offer list status; satisfied by the registry.
type Invalidator interface {
	Invalidate(offerListID string)
}

// Service implements the catalog operations.
type Service struct {
	store    store.Store
	live     Invalidator
	notifier *notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a Service. live may be nil.
func New(s store.Store, live Invalidator, n *notify.Notifier, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.New(nil, clk, logger)
	}
	return &Service{store: s, live: live, notifier: n, clock: clk, logger: logger}
}

// CreateOrExtend lists the requested lots. Every lot starts open with
// CurrentPrice and AdminBid equal to its price, so a buyer can accept the
// seller's price directly.
func (s *Service) CreateOrExtend(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	ol, err := s.store.GetOfferListByNumber(ctx, req.Number)
	created := false
	switch {
	case errors.Is(err, model.ErrOfferListNotFound):
		if req.SellerID == "" {
			return nil, fmt.Errorf("%w: seller_id is required for a new offer list", ErrInvalid)
		}
		ol = &model.OfferList{
			ID:        uuid.New().String(),
			Number:    req.Number,
			SellerID:  req.SellerID,
			Status:    req.Status,
			CreatedAt: s.clock.Now().UTC(),
		}
		if err := s.store.CreateOfferList(ctx, ol); err != nil {
			return nil, fmt.Errorf("create offer list: %w", err)
		}
		created = true
	case err != nil:
		return nil, fmt.Errorf("look up offer list %s: %w", req.Number, err)
	}

	lots, err := s.buildLots(ctx, ol, req.Lots)
	if err == nil {
		err = s.store.InsertLots(ctx, lots)
	}
	if err != nil {
		if created {
			// Live lists refuse deletion.
			derr := s.store.UpdateOfferListStatus(ctx, ol.ID, model.OfferListHidden)
			if derr == nil {
				derr = s.store.DeleteOfferList(ctx, ol.ID)
			}
			if derr != nil {
				s.logger.Error("offer list rollback failed", "offer_list", ol.ID, "err", derr)
			}
		}
		return nil, err
	}

	s.logger.Info("lots listed", "offer_list", ol.ID, "number", ol.Number, "lots", len(lots), "created", created)
	if created && ol.Status == model.OfferListLive {
		s.announceLive(ctx, ol, lots)
	}
	return &CreateResult{OfferList: ol, Lots: lots, Created: created}, nil
}

func (s *Service) buildLots(ctx context.Context, ol *model.OfferList, inputs []LotInput) ([]*model.Lot, error) {
	var verified []string
	now := s.clock.Now().UTC()
	lots := make([]*model.Lot, 0, len(inputs))
	for _, in := range inputs {
		allowed := in.Buyers
		if contains(in.Buyers, AllBuyers) {
			if verified == nil {
				var err error
				if verified, err = s.store.ListVerifiedBuyers(ctx); err != nil {
					return nil, fmt.Errorf("list verified buyers: %w", err)
				}
			}
			allowed = verified
		}
		lots = append(lots, &model.Lot{
			ID:            uuid.New().String(),
			OfferListID:   ol.ID,
			SellerID:      ol.SellerID,
			InvoiceNumber: in.InvoiceNumber,
			Mark:          in.Mark,
			Grade:         in.Grade,
			Quantity:      in.Quantity,
			Bags:          in.Bags,
			BasePrice:     in.Price,
			CurrentPrice:  in.Price,
			AdminBid:      in.Price,
			AllowedBuyers: unique(allowed),
			Status:        model.LotOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return lots, nil
}

func validateCreate(req *CreateRequest) error {
	req.Number = strings.TrimSpace(req.Number)
	if req.Number == "" {
		return fmt.Errorf("%w: number is required", ErrInvalid)
	}
	if req.Status == "" {
		req.Status = model.OfferListHidden
	}
	if !req.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, req.Status)
	}
	if len(req.Lots) == 0 {
		return fmt.Errorf("%w: at least one lot is required", ErrInvalid)
	}
	for i, l := range req.Lots {
		if l.InvoiceNumber == "" {
			return fmt.Errorf("%w: lot %d has no invoice number", ErrInvalid, i)
		}
		if !l.Price.IsPositive() {
			return fmt.Errorf("%w: lot %s price must be positive", ErrInvalid, l.InvoiceNumber)
		}
		if len(l.Buyers) == 0 {
			return fmt.Errorf("%w: lot %s has no buyers", ErrInvalid, l.InvoiceNumber)
		}
	}
	return nil
}

// SetStatus changes the trading status of an offer list. Going Live tells
// every allowed buyer.
func (s *Service) SetStatus(ctx context.Context, id string, status model.OfferListStatus) (*model.OfferList, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	ol, err := s.store.GetOfferList(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := ol.Status
	if err := s.store.UpdateOfferListStatus(ctx, id, status); err != nil {
		return nil, err
	}
	if s.live != nil {
		s.live.Invalidate(id)
	}
	ol.Status = status
	s.logger.Info("offer list status changed", "offer_list", id, "from", prev, "to", status)

	if status == model.OfferListLive && prev != model.OfferListLive {
		lots, err := s.store.ListLots(ctx, id)
		if err != nil {
			s.logger.Warn("live announcement skipped", "offer_list", id, "err", err)
			return ol, nil
		}
		ptrs := make([]*model.Lot, len(lots))
		for i := range lots {
			ptrs[i] = &lots[i]
		}
		s.announceLive(ctx, ol, ptrs)
	}
	return ol, nil
}

// Delete removes an offer list that never traded.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteOfferList(ctx, id); err != nil {
		return err
	}
	if s.live != nil {
		s.live.Invalidate(id)
	}
	s.logger.Info("offer list deleted", "offer_list", id)
	return nil
}

func (s *Service) announceLive(ctx context.Context, ol *model.OfferList, lots []*model.Lot) {
	var buyers, ids []string
	for _, l := range lots {
		buyers = append(buyers, l.AllowedBuyers...)
		ids = append(ids, l.ID)
	}
	buyers = unique(buyers)
	if len(buyers) == 0 {
		return
	}
	sort.Strings(buyers)
	s.notifier.Emit(ctx, notify.Notification{
		Type:    notify.OfferListLive,
		Role:    model.RoleBuyer,
		To:      buyers,
		LotIDs:  ids,
		Message: fmt.Sprintf("Offer list %s is live", ol.Number),
	})
}

// OfferLists returns the offer lists visible to caller: admins see all,
// sellers their own, buyers the Live lists holding a lot they may see.
func (s *Service) OfferLists(ctx context.Context, caller model.Caller) ([]model.OfferList, error) {
	lists, err := s.store.ListOfferLists(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.OfferList, 0, len(lists))
	for _, ol := range lists {
		switch caller.Role {
		case model.RoleAdmin:
			out = append(out, ol)
		case model.RoleSeller:
			if ol.SellerID == caller.ID {
				out = append(out, ol)
			}
		case model.RoleBuyer:
			if ol.Status != model.OfferListLive {
				continue
			}
			lots, err := s.store.ListLots(ctx, ol.ID)
			if err != nil {
				return nil, err
			}
			for i := range lots {
				if visibleToBuyer(&lots[i], caller.ID) {
					out = append(out, ol)
					break
				}
			}
		}
	}
	return out, nil
}

// Lots returns the lots of an offer list as caller may see them. Ordered
// lots sort last.
func (s *Service) Lots(ctx context.Context, caller model.Caller, offerListID string) ([]*model.Lot, error) {
	ol, err := s.store.GetOfferList(ctx, offerListID)
	if err != nil {
		return nil, err
	}
	if caller.Role == model.RoleSeller && ol.SellerID != caller.ID {
		return nil, fmt.Errorf("%w: offer list %s", ErrForbidden, offerListID)
	}
	if caller.Role == model.RoleBuyer && ol.Status != model.OfferListLive {
		return []*model.Lot{}, nil
	}
	lots, err := s.store.ListLots(ctx, offerListID)
	if err != nil {
		return nil, err
	}
	return view(caller, lots), nil
}

// SavedLots returns the buyer's saved-for-later lots that are still visible.
func (s *Service) SavedLots(ctx context.Context, caller model.Caller) ([]*model.Lot, error) {
	if caller.Role != model.RoleBuyer {
		return nil, fmt.Errorf("%w: only buyers keep saved lots", ErrForbidden)
	}
	p, err := s.store.GetParticipant(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	lots, err := s.store.GetLots(ctx, p.SavedLots)
	if err != nil {
		return nil, err
	}
	return view(caller, lots), nil
}

// SaveLots adds the lots the buyer may see to its saved set and returns the
// ids that were saved.
func (s *Service) SaveLots(ctx context.Context, caller model.Caller, lotIDs []string) ([]string, error) {
	if caller.Role != model.RoleBuyer {
		return nil, fmt.Errorf("%w: only buyers keep saved lots", ErrForbidden)
	}
	if len(lotIDs) == 0 {
		return nil, fmt.Errorf("%w: lot_ids must not be empty", ErrInvalid)
	}
	lots, err := s.store.GetLots(ctx, unique(lotIDs))
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := range lots {
		if visibleToBuyer(&lots[i], caller.ID) && lots[i].Status != model.LotOrdered {
			ids = append(ids, lots[i].ID)
		}
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	if err := s.store.SaveLots(ctx, caller.ID, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// UnsaveLots removes lots from the buyer's saved set.
func (s *Service) UnsaveLots(ctx context.Context, caller model.Caller, lotIDs []string) error {
	if caller.Role != model.RoleBuyer {
		return fmt.Errorf("%w: only buyers keep saved lots", ErrForbidden)
	}
	if len(lotIDs) == 0 {
		return fmt.Errorf("%w: lot_ids must not be empty", ErrInvalid)
	}
	return s.store.UnsaveLots(ctx, caller.ID, lotIDs)
}

// Orders returns caller's orders, all orders for an admin. A non-empty
// saleOrder restricts the result to that sale-order number.
func (s *Service) Orders(ctx context.Context, caller model.Caller, saleOrder string) ([]model.Order, error) {
	var f store.OrderFilter
	if saleOrder != "" {
		if _, err := numbering.ParseNumber(saleOrder); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		f.SaleOrderNumber = saleOrder
	}
	switch caller.Role {
	case model.RoleBuyer:
		f.BuyerID = caller.ID
	case model.RoleSeller:
		f.SellerID = caller.ID
	}
	return s.store.ListOrders(ctx, f)
}

// Order returns one order if caller may see it.
func (s *Service) Order(ctx context.Context, caller model.Caller, orderID string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case caller.Role == model.RoleAdmin,
		caller.Role == model.RoleBuyer && o.BuyerID == caller.ID,
		caller.Role == model.RoleSeller && o.SellerID == caller.ID:
		return o, nil
	}
	return nil, fmt.Errorf("%w: order %s", ErrForbidden, orderID)
}

// RegisterParticipant creates or updates a directory entry.
func (s *Service) RegisterParticipant(ctx context.Context, p *model.Participant) error {
	if p.ID == "" || !p.Role.Valid() {
		return fmt.Errorf("%w: participant needs an id and a known role", ErrInvalid)
	}
	return s.store.UpsertParticipant(ctx, p)
}

func view(caller model.Caller, lots []model.Lot) []*model.Lot {
	out := make([]*model.Lot, 0, len(lots))
	for i := range lots {
		l := &lots[i]
		switch caller.Role {
		case model.RoleAdmin:
			out = append(out, l)
		case model.RoleSeller:
			if l.SellerID == caller.ID {
				out = append(out, l)
			}
		case model.RoleBuyer:
			if visibleToBuyer(l, caller.ID) {
				out = append(out, l.BuyerView(caller.ID))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status != model.LotOrdered && out[j].Status == model.LotOrdered
	})
	return out
}

// visibleToBuyer hides lots the buyer may not bid on, lots already covered
// by a sale order and lots sold to someone else.
func visibleToBuyer(l *model.Lot, buyerID string) bool {
	if !l.IsAllowed(buyerID) || l.SaleOrderGenerated {
		return false
	}
	return l.SoldTo == "" || l.SoldTo == buyerID
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func unique(ids []string) []string {
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
