// Package api provides the HTTP handlers for the lot exchange: role-scoped
// reads, the request/response variant of the bidding protocol, offer-list
// administration and order fulfilment.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/lot-exchange/internal/catalog"
	"github.com/atmx/lot-exchange/internal/identity"
	"github.com/atmx/lot-exchange/internal/model"
	"github.com/atmx/lot-exchange/internal/numbering"
	"github.com/atmx/lot-exchange/internal/order"
	"github.com/atmx/lot-exchange/internal/protocol"
	"github.com/atmx/lot-exchange/internal/registry"
)

const maxUploadSize = 10 << 20

// Server holds the services behind the HTTP API.
type Server struct {
	catalog  *catalog.Service
	engine   *protocol.Engine
	orders   *order.Materializer
	numbers  *numbering.Service
	resolver identity.Resolver
	logger   *slog.Logger
}

// New creates a Server.
func New(cat *catalog.Service, engine *protocol.Engine, orders *order.Materializer, numbers *numbering.Service, resolver identity.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{catalog: cat, engine: engine, orders: orders, numbers: numbers, resolver: resolver, logger: logger}
}

// Routes registers the authenticated API on r.
func (s *Server) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(s.resolver))

		r.Get("/offer-lists", s.ListOfferLists)
		r.Get("/offer-lists/{offerListID}/lots", s.ListLots)
		r.Get("/orders", s.ListOrders)

		r.Get("/saved-lots", s.ListSavedLots)
		r.Post("/saved-lots", s.SaveLots)
		r.Delete("/saved-lots", s.UnsaveLots)

		r.Post("/bids/buyer", s.BuyerBid)
		r.Post("/bids/admin", s.AdminBid)
		r.Post("/bids/accept", s.AcceptBid)

		r.With(requireRole(model.RoleAdmin, model.RoleSeller)).
			Post("/orders/{orderID}/documents/{kind}", s.AttachDocument)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.RoleAdmin))
			r.Post("/offer-lists", s.CreateOfferList)
			r.Put("/offer-lists/{offerListID}/status", s.SetOfferListStatus)
			r.Delete("/offer-lists/{offerListID}", s.DeleteOfferList)
			r.Post("/orders/sale-order", s.AssignSaleOrder)
			r.Put("/orders/{orderID}/delivery-status", s.UpdateDeliveryStatus)
			r.Put("/participants/{participantID}", s.PutParticipant)
		})
	})
}

// --- Request types ---

// LotIDsRequest is the JSON body of the saved-lots endpoints.
type LotIDsRequest struct {
	LotIDs []string `json:"lot_ids"`
}

// StatusRequest is the JSON body for PUT /offer-lists/{offerListID}/status.
type StatusRequest struct {
	Status model.OfferListStatus `json:"status"`
}

// SaleOrderRequest is the JSON body for POST /orders/sale-order.
type SaleOrderRequest struct {
	LotIDs       []string `json:"lot_ids"`
	CashDiscount string   `json:"cash_discount"`
	DaysTerms    string   `json:"days_terms"`
}

// DeliveryStatusRequest is the JSON body for PUT /orders/{orderID}/delivery-status.
type DeliveryStatusRequest struct {
	DeliveryStatus model.DeliveryStatus `json:"delivery_status"`
}

// ParticipantRequest is the JSON body for PUT /participants/{participantID}.
type ParticipantRequest struct {
	Role        model.Role `json:"role"`
	CompanyName string     `json:"company_name"`
	Verified    bool       `json:"verified"`
}

// --- Catalog ---

// ListOfferLists handles GET /api/v1/offer-lists
func (s *Server) ListOfferLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.catalog.OfferLists(r.Context(), callerOf(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

// CreateOfferList handles POST /api/v1/offer-lists
// Creates the list, or adds lots to the list with the same number.
func (s *Server) CreateOfferList(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.catalog.CreateOrExtend(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// SetOfferListStatus handles PUT /api/v1/offer-lists/{offerListID}/status
func (s *Server) SetOfferListStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ol, err := s.catalog.SetStatus(r.Context(), chi.URLParam(r, "offerListID"), req.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ol)
}

// DeleteOfferList handles DELETE /api/v1/offer-lists/{offerListID}
func (s *Server) DeleteOfferList(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), chi.URLParam(r, "offerListID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListLots handles GET /api/v1/offer-lists/{offerListID}/lots
func (s *Server) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.catalog.Lots(r.Context(), callerOf(r), chi.URLParam(r, "offerListID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// ListSavedLots handles GET /api/v1/saved-lots
func (s *Server) ListSavedLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.catalog.SavedLots(r.Context(), callerOf(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// SaveLots handles POST /api/v1/saved-lots
func (s *Server) SaveLots(w http.ResponseWriter, r *http.Request) {
	var req LotIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	saved, err := s.catalog.SaveLots(r.Context(), callerOf(r), req.LotIDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LotIDsRequest{LotIDs: saved})
}

// UnsaveLots handles DELETE /api/v1/saved-lots
func (s *Server) UnsaveLots(w http.ResponseWriter, r *http.Request) {
	var req LotIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.catalog.UnsaveLots(r.Context(), callerOf(r), req.LotIDs); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutParticipant handles PUT /api/v1/participants/{participantID}
func (s *Server) PutParticipant(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p := &model.Participant{
		ID:          chi.URLParam(r, "participantID"),
		Role:        req.Role,
		CompanyName: req.CompanyName,
		Verified:    req.Verified,
	}
	if err := s.catalog.RegisterParticipant(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Bidding ---

// BuyerBid handles POST /api/v1/bids/buyer
func (s *Server) BuyerBid(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuyerBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ack, err := s.engine.BuyerBid(r.Context(), s.session(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// AdminBid handles POST /api/v1/bids/admin
func (s *Server) AdminBid(w http.ResponseWriter, r *http.Request) {
	var req protocol.AdminBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ack, err := s.engine.AdminBid(r.Context(), s.session(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// AcceptBid handles POST /api/v1/bids/accept
func (s *Server) AcceptBid(w http.ResponseWriter, r *http.Request) {
	var req protocol.AcceptBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ack, err := s.engine.AcceptBid(r.Context(), s.session(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// --- Orders ---

// ListOrders handles GET /api/v1/orders
// Optionally filtered by ?sale_order=<number>.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.catalog.Orders(r.Context(), callerOf(r), r.URL.Query().Get("sale_order"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// AssignSaleOrder handles POST /api/v1/orders/sale-order
func (s *Server) AssignSaleOrder(w http.ResponseWriter, r *http.Request) {
	var req SaleOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := s.numbers.AssignNumbers(r.Context(), req.LotIDs, req.CashDiscount, req.DaysTerms)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// UpdateDeliveryStatus handles PUT /api/v1/orders/{orderID}/delivery-status
func (s *Server) UpdateDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var req DeliveryStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	orders, err := s.orders.UpdateDeliveryStatus(r.Context(), chi.URLParam(r, "orderID"), req.DeliveryStatus)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// AttachDocument handles POST /api/v1/orders/{orderID}/documents/{kind}
// The document is the multipart form field "file".
func (s *Server) AttachDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")
	if _, err := s.catalog.Order(ctx, callerOf(r), orderID); err != nil {
		s.fail(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "multipart field \"file\" is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, "document too large", http.StatusRequestEntityTooLarge)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	orders, err := s.orders.AttachDocument(ctx, orderID, model.DocumentKind(chi.URLParam(r, "kind")), header.Filename, contentType, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- helpers ---

func callerOf(r *http.Request) model.Caller {
	c, _ := identity.FromContext(r.Context())
	return c
}

// session gives an HTTP request a one-off protocol session so it is never
// excluded from broadcasts meant for websocket observers.
func (s *Server) session(r *http.Request) protocol.Session {
	c := callerOf(r)
	return protocol.Session{ID: registry.SessionID("http-" + uuid.New().String()), Caller: &c}
}

func requireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := callerOf(r)
			for _, role := range roles {
				if c.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, "forbidden", http.StatusForbidden)
		})
	}
}

// fail maps a service error to an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrInvalidRequest),
		errors.Is(err, catalog.ErrInvalid),
		errors.Is(err, order.ErrInvalidDeliveryStatus),
		errors.Is(err, order.ErrUnknownDocumentKind),
		errors.Is(err, order.ErrEmptyDocument),
		errors.Is(err, numbering.ErrNoLots):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, protocol.ErrForbidden),
		errors.Is(err, catalog.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrLotNotFound),
		errors.Is(err, model.ErrOfferListNotFound),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrParticipantNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrDuplicateLot),
		errors.Is(err, model.ErrOfferListLive),
		errors.Is(err, model.ErrOfferListHasActivity),
		errors.Is(err, numbering.ErrNothingToNumber):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
