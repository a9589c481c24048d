package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lot-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for lots and offer lists. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Methods not overridden here pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLot(ctx context.Context, id string) (*model.Lot, error) {
	data, err := s.rdb.Get(ctx, lotKey(id)).Bytes()
	if err == nil {
		var l model.Lot
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	// Cache miss: read from primary.
	l, err := s.Store.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, lotKey(id), l)
	return l, nil
}

func (s *CachedStore) GetOfferList(ctx context.Context, id string) (*model.OfferList, error) {
	data, err := s.rdb.Get(ctx, offerListKey(id)).Bytes()
	if err == nil {
		var ol model.OfferList
		if json.Unmarshal(data, &ol) == nil {
			return &ol, nil
		}
	}

	ol, err := s.Store.GetOfferList(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, offerListKey(id), ol)
	return ol, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateOfferListStatus(ctx context.Context, id string, status model.OfferListStatus) error {
	if err := s.Store.UpdateOfferListStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, offerListKey(id))
	return nil
}

func (s *CachedStore) DeleteOfferList(ctx context.Context, id string) error {
	lots, err := s.Store.ListLots(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteOfferList(ctx, id); err != nil {
		return err
	}
	keys := []string{offerListKey(id)}
	for _, l := range lots {
		keys = append(keys, lotKey(l.ID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// Conditional transitions invalidate even on a precondition failure: a losing
// buyer bid still appends to history.

func (s *CachedStore) ApplyBuyerBid(ctx context.Context, lotID string, bid model.BidEntry) (*model.Lot, error) {
	l, err := s.Store.ApplyBuyerBid(ctx, lotID, bid)
	s.rdb.Del(ctx, lotKey(lotID))
	return l, err
}

func (s *CachedStore) ApplyAdminBid(ctx context.Context, lotID string, bid model.BidEntry) (*model.Lot, error) {
	l, err := s.Store.ApplyAdminBid(ctx, lotID, bid)
	s.rdb.Del(ctx, lotKey(lotID))
	return l, err
}

func (s *CachedStore) AcceptHighestBid(ctx context.Context, lotID string, at time.Time) (*model.Lot, error) {
	l, err := s.Store.AcceptHighestBid(ctx, lotID, at)
	s.rdb.Del(ctx, lotKey(lotID))
	return l, err
}

func (s *CachedStore) AcceptAdminPrice(ctx context.Context, lotID, buyerID string, at time.Time) (*model.Lot, error) {
	l, err := s.Store.AcceptAdminPrice(ctx, lotID, buyerID, at)
	s.rdb.Del(ctx, lotKey(lotID))
	return l, err
}

func (s *CachedStore) MarkOrderMaterialized(ctx context.Context, lotID string) (bool, error) {
	set, err := s.Store.MarkOrderMaterialized(ctx, lotID)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, lotKey(lotID))
	return set, nil
}

func (s *CachedStore) AssignSaleOrder(ctx context.Context, req SaleOrderRequest) (*SaleOrderResult, error) {
	res, err := s.Store.AssignSaleOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(res.Orders) > 0 {
		keys := make([]string, 0, len(res.Orders))
		for _, o := range res.Orders {
			keys = append(keys, lotKey(o.LotID))
		}
		s.rdb.Del(ctx, keys...)
	}
	return res, nil
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func lotKey(id string) string       { return fmt.Sprintf("lot:%s", id) }
func offerListKey(id string) string { return fmt.Sprintf("offerlist:%s", id) }
