package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/lot-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards every check-and-set, which makes each conditional
// transition atomic with respect to every other.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*model.Participant
	offerLists   map[string]*model.OfferList
	lots         map[string]*model.Lot
	orders       map[string]*model.Order
	orderByLot   map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*model.Participant),
		offerLists:   make(map[string]*model.OfferList),
		lots:         make(map[string]*model.Lot),
		orders:       make(map[string]*model.Order),
		orderByLot:   make(map[string]string),
	}
}

// --- Participants ---

func (s *MemoryStore) UpsertParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if existing, ok := s.participants[p.ID]; ok {
		cp.SavedLots = existing.SavedLots
	} else {
		cp.SavedLots = nil
	}
	s.participants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrParticipantNotFound)
	}
	cp := *p
	cp.SavedLots = append([]string(nil), p.SavedLots...)
	return &cp, nil
}

func (s *MemoryStore) ListVerifiedBuyers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, p := range s.participants {
		if p.Role == model.RoleBuyer && p.Verified {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveLots(_ context.Context, participantID string, lotIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("participant %s: %w", participantID, model.ErrParticipantNotFound)
	}
	for _, id := range lotIDs {
		if !contains(p.SavedLots, id) {
			p.SavedLots = append(p.SavedLots, id)
		}
	}
	return nil
}

func (s *MemoryStore) UnsaveLots(_ context.Context, participantID string, lotIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("participant %s: %w", participantID, model.ErrParticipantNotFound)
	}
	for _, id := range lotIDs {
		p.SavedLots = remove(p.SavedLots, id)
	}
	return nil
}

func (s *MemoryStore) PruneSavedLot(_ context.Context, lotID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.participants {
		if contains(p.SavedLots, lotID) {
			p.SavedLots = remove(p.SavedLots, lotID)
			n++
		}
	}
	return n, nil
}

// --- Offer lists ---

func (s *MemoryStore) CreateOfferList(_ context.Context, ol *model.OfferList) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.offerLists {
		if existing.Number == ol.Number {
			return fmt.Errorf("offer list %s already exists", ol.Number)
		}
	}
	cp := *ol
	s.offerLists[ol.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOfferList(_ context.Context, id string) (*model.OfferList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ol, ok := s.offerLists[id]
	if !ok {
		return nil, fmt.Errorf("offer list %s: %w", id, model.ErrOfferListNotFound)
	}
	cp := *ol
	return &cp, nil
}

func (s *MemoryStore) GetOfferListByNumber(_ context.Context, number string) (*model.OfferList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ol := range s.offerLists {
		if ol.Number == number {
			cp := *ol
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("offer list %s: %w", number, model.ErrOfferListNotFound)
}

func (s *MemoryStore) ListOfferLists(_ context.Context) ([]model.OfferList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lists := make([]model.OfferList, 0, len(s.offerLists))
	for _, ol := range s.offerLists {
		lists = append(lists, *ol)
	}
	sort.Slice(lists, func(i, j int) bool {
		return lists[i].CreatedAt.After(lists[j].CreatedAt)
	})
	return lists, nil
}

func (s *MemoryStore) UpdateOfferListStatus(_ context.Context, id string, status model.OfferListStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, ok := s.offerLists[id]
	if !ok {
		return fmt.Errorf("offer list %s: %w", id, model.ErrOfferListNotFound)
	}
	ol.Status = status
	return nil
}

func (s *MemoryStore) DeleteOfferList(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ol, ok := s.offerLists[id]
	if !ok {
		return fmt.Errorf("offer list %s: %w", id, model.ErrOfferListNotFound)
	}
	if ol.Status == model.OfferListLive {
		return model.ErrOfferListLive
	}

	var lotIDs []string
	for _, l := range s.lots {
		if l.OfferListID != id {
			continue
		}
		if l.Status != model.LotOpen || l.OrderMaterialized {
			return model.ErrOfferListHasActivity
		}
		if _, ordered := s.orderByLot[l.ID]; ordered {
			return model.ErrOfferListHasActivity
		}
		lotIDs = append(lotIDs, l.ID)
	}

	for _, lotID := range lotIDs {
		delete(s.lots, lotID)
		for _, p := range s.participants {
			p.SavedLots = remove(p.SavedLots, lotID)
		}
	}
	delete(s.offerLists, id)
	return nil
}

// --- Lots ---

func (s *MemoryStore) InsertLots(_ context.Context, lots []*model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, l := range s.lots {
		seen[l.InvoiceNumber+"\x00"+l.Grade] = true
	}
	for _, l := range lots {
		key := l.InvoiceNumber + "\x00" + l.Grade
		if seen[key] {
			return fmt.Errorf("invoice %s grade %s: %w", l.InvoiceNumber, l.Grade, model.ErrDuplicateLot)
		}
		seen[key] = true
	}
	for _, l := range lots {
		s.lots[l.ID] = l.Clone()
	}
	return nil
}

func (s *MemoryStore) GetLot(_ context.Context, id string) (*model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lots[id]
	if !ok {
		return nil, fmt.Errorf("lot %s: %w", id, model.ErrLotNotFound)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) GetLots(_ context.Context, ids []string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := make([]model.Lot, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.lots[id]; ok {
			lots = append(lots, *l.Clone())
		}
	}
	return lots, nil
}

func (s *MemoryStore) ListLots(_ context.Context, offerListID string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.Lot
	for _, l := range s.lots {
		if l.OfferListID == offerListID {
			lots = append(lots, *l.Clone())
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].CreatedAt.Before(lots[j].CreatedAt)
	})
	return lots, nil
}

// --- Conditional lot transitions ---

// liveLot returns the stored lot after checking the guards shared by both
// bid tracks. Caller holds s.mu.
func (s *MemoryStore) liveLot(lotID string) (*model.Lot, error) {
	l, ok := s.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("lot %s: %w", lotID, model.ErrLotNotFound)
	}
	if l.Status == model.LotOrdered {
		return l, model.ErrAlreadyOrdered
	}
	ol, ok := s.offerLists[l.OfferListID]
	if !ok || ol.Status != model.OfferListLive {
		return l, model.ErrOfferListNotLive
	}
	return l, nil
}

func (s *MemoryStore) ApplyBuyerBid(_ context.Context, lotID string, bid model.BidEntry) (*model.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.liveLot(lotID)
	if l == nil {
		return nil, err
	}
	if err != nil {
		return l.Clone(), err
	}
	if !l.IsAllowed(bid.Bidder) {
		return l.Clone(), model.ErrBidderNotAllowed
	}

	l.BiddingHistory = append(l.BiddingHistory, bid)
	l.UpdatedAt = bid.Time
	if !bid.Price.GreaterThan(l.HighestBiddingPrice) {
		return l.Clone(), model.ErrOutbid
	}

	at := bid.Time
	l.HighestBiddingPrice = bid.Price
	l.HighestBidder = bid.Bidder
	l.HighestBidTime = &at
	l.Status = model.LotCountered
	return l.Clone(), nil
}

func (s *MemoryStore) ApplyAdminBid(_ context.Context, lotID string, bid model.BidEntry) (*model.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.liveLot(lotID)
	if l == nil {
		return nil, err
	}
	if err != nil {
		return l.Clone(), err
	}

	at := bid.Time
	l.AdminBid = bid.Price
	l.CurrentPrice = bid.Price
	l.AdminBidTime = &at
	l.Status = model.LotCountered
	l.BiddingHistory = append(l.BiddingHistory, bid)
	l.UpdatedAt = at
	return l.Clone(), nil
}

func (s *MemoryStore) AcceptHighestBid(_ context.Context, lotID string, at time.Time) (*model.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("lot %s: %w", lotID, model.ErrLotNotFound)
	}
	if l.Status == model.LotOrdered {
		return l.Clone(), model.ErrAlreadyOrdered
	}
	if l.HighestBidder == "" {
		return l.Clone(), model.ErrNoHighestBidder
	}

	l.SoldTo = l.HighestBidder
	l.Status = model.LotOrdered
	l.UpdatedAt = at
	return l.Clone(), nil
}

func (s *MemoryStore) AcceptAdminPrice(_ context.Context, lotID, buyerID string, at time.Time) (*model.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("lot %s: %w", lotID, model.ErrLotNotFound)
	}
	if l.Status == model.LotOrdered {
		return l.Clone(), model.ErrAlreadyOrdered
	}
	if !l.IsAllowed(buyerID) {
		return l.Clone(), model.ErrBidderNotAllowed
	}

	t := at
	l.SoldTo = buyerID
	l.HighestBidder = buyerID
	l.HighestBiddingPrice = l.AdminBid
	l.HighestBidTime = &t
	l.BiddingHistory = append(l.BiddingHistory, model.BidEntry{Bidder: buyerID, Price: l.AdminBid, Time: at})
	l.Status = model.LotOrdered
	l.UpdatedAt = at
	return l.Clone(), nil
}

func (s *MemoryStore) MarkOrderMaterialized(_ context.Context, lotID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[lotID]
	if !ok {
		return false, fmt.Errorf("lot %s: %w", lotID, model.ErrLotNotFound)
	}
	if l.OrderMaterialized {
		return false, nil
	}
	l.OrderMaterialized = true
	return true, nil
}

func (s *MemoryStore) ListUnmaterializedLots(_ context.Context) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.Lot
	for _, l := range s.lots {
		if l.Status == model.LotOrdered && !l.OrderMaterialized {
			lots = append(lots, *l.Clone())
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrderIfAbsent(_ context.Context, o *model.Order) (*model.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.orderByLot[o.LotID]; ok {
		cp := *s.orders[id]
		return &cp, false, nil
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.orderByLot[o.LotID] = o.ID
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrderByLot(_ context.Context, lotID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderByLot[lotID]
	if !ok {
		return nil, fmt.Errorf("order for lot %s: %w", lotID, model.ErrOrderNotFound)
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, o := range s.orders {
		if f.matches(o) {
			orders = append(orders, *o)
		}
	}
	sortOrders(orders)
	return orders, nil
}

// group returns the order and every order sharing its sale-order number.
// Caller holds s.mu.
func (s *MemoryStore) group(orderID string) ([]*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrOrderNotFound)
	}
	if o.SaleOrderNumber == "" {
		return []*model.Order{o}, nil
	}
	var group []*model.Order
	for _, other := range s.orders {
		if other.SaleOrderNumber == o.SaleOrderNumber {
			group = append(group, other)
		}
	}
	return group, nil
}

func (s *MemoryStore) UpdateDeliveryStatus(_ context.Context, orderID string, status model.DeliveryStatus, at time.Time) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, err := s.group(orderID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(group))
	for _, o := range group {
		o.DeliveryStatus = status
		if status == model.DeliveryComplete {
			t := at
			o.DeliveryDate = &t
		}
		out = append(out, *o)
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) SetOrderDocument(_ context.Context, orderID string, kind model.DocumentKind, url string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, err := s.group(orderID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(group))
	for _, o := range group {
		if !o.Documents.Set(kind, url) {
			return nil, fmt.Errorf("unknown document kind %q", kind)
		}
		out = append(out, *o)
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) AssignSaleOrder(_ context.Context, req SaleOrderRequest) (*SaleOrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*model.Order
	for _, lotID := range req.LotIDs {
		id, ok := s.orderByLot[lotID]
		if !ok {
			continue
		}
		if o := s.orders[id]; o.SaleOrderNumber == "" && !containsOrder(pending, o) {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		return &SaleOrderResult{}, nil
	}

	issued := make(map[string]bool)
	for _, o := range s.orders {
		if o.SaleOrderNumber == "" || o.SaleOrderGeneratedAt == nil {
			continue
		}
		at := *o.SaleOrderGeneratedAt
		if !at.Before(req.WindowStart) && at.Before(req.WindowEnd) {
			issued[o.SaleOrderNumber] = true
		}
	}

	number := req.Mint(len(issued))
	res := &SaleOrderResult{Number: number}
	for _, o := range pending {
		at := req.At
		o.SaleOrderNumber = number
		o.SaleOrderGeneratedAt = &at
		o.CashDiscount = req.CashDiscount
		o.DaysTerms = req.DaysTerms
		o.DeliveryStatus = model.DeliveryAwaitingAddress
		if l, ok := s.lots[o.LotID]; ok {
			l.SaleOrderGenerated = true
		}
		res.Orders = append(res.Orders, *o)
	}
	return res, nil
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func containsOrder(orders []*model.Order, o *model.Order) bool {
	for _, v := range orders {
		if v == o {
			return true
		}
	}
	return false
}
