package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/safar/marketplace-core/internal/cache"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type server struct {
	db    *sql.DB
	cfg   *config.Config
	carts cache.CartCache
	log   *zap.Logger
	sfg   singleflight.Group
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.createUser)
		r.Get("/", s.listUsers)
		r.Get("/{id}", s.getUser)
		r.Post("/{id}/addresses", s.createAddress)
		r.Get("/{id}/addresses", s.listAddresses)
	})

	r.Route("/products", func(r chi.Router) {
		r.Post("/", s.createProduct)
		r.Get("/", s.listProducts)
		r.Get("/{id}", s.getProduct)
		r.Post("/{id}/variations", s.createVariation)
		r.Get("/{id}/variations", s.listVariations)
	})

	r.Route("/variations", func(r chi.Router) {
		r.Get("/{id}", s.getVariation)
		r.Get("/{id}/availability", s.checkAvailability)
		r.Put("/{id}/availability", s.setVariationAvailability)
		r.Post("/{id}/adjust", s.adjustStock)
		r.Get("/{id}/movements", s.listMovements)
	})
	r.Get("/inventory/low-stock", s.lowStock)

	r.Get("/exchange-rate", s.getExchangeRate)
	r.Put("/exchange-rate", s.setExchangeRate)

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", s.getCart)
		r.Delete("/", s.clearCart)
		r.Post("/items", s.addCartItem)
		r.Put("/items/{variationID}", s.updateCartItem)
		r.Delete("/items/{variationID}", s.removeCartItem)
	})

	r.Route("/offers", func(r chi.Router) {
		r.Post("/", s.createOffer)
		r.Get("/", s.listOffers)
		r.Get("/pending", s.listPendingOffers)
		r.Get("/{id}", s.getOffer)
		r.Post("/{id}/messages", s.addOfferMessage)
		r.Post("/{id}/accept", s.acceptOffer)
		r.Post("/{id}/reject", s.rejectOffer)
		r.Post("/{id}/retract", s.retractOffer)
		r.Post("/{id}/redeem", s.redeemOffer)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.createOrder)
		r.Get("/", s.listOrders)
		r.Get("/{id}", s.getOrder)
		r.Post("/{id}/accept", s.acceptOrder)
		r.Post("/{id}/reject", s.rejectOrder)
		r.Post("/{id}/cancel", s.cancelOrder)
		r.Put("/{id}/status", s.updateOrderStatus)
		r.Post("/{id}/paid", s.markOrderPaid)
	})

	return r
}

// actorFrom reads the identity set by the auth gateway. The service trusts
// these headers; it runs behind the gateway, not on a public edge.
func actorFrom(r *http.Request) (store.Actor, error) {
	id, err := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	if err != nil || id <= 0 {
		return store.Actor{}, errors.New("missing or invalid X-Actor-ID header")
	}
	role := r.Header.Get("X-Actor-Role")
	switch role {
	case models.RoleBuyer, models.RoleSeller, models.RoleAdmin:
	default:
		return store.Actor{}, fmt.Errorf("invalid X-Actor-Role %q", role)
	}
	return store.Actor{ID: id, Role: role}, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// --- users ---

func (s *server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	user, err := store.CreateUser(r.Context(), s.db, req.Email, req.Name, req.Role)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, user)
}

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	user, err := store.GetUser(r.Context(), s.db, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}

func (s *server) listUsers(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	if !actor.IsAdmin() {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
		return
	}

	page, pageSize := queryPage(r)
	result, err := store.ListUsers(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *server) createAddress(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var addr models.Address
	if err := decodeBody(r, &addr); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	addr.UserID = userID

	created, err := store.CreateAddress(r.Context(), s.db, addr)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *server) listAddresses(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	addresses, err := store.ListAddresses(r.Context(), s.db, userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, addresses)
}

// --- products / variations / inventory ---

func (s *server) createProduct(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	product, err := store.CreateProduct(r.Context(), s.db, actor.ID, req.Name, req.Description)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, product)
}

func (s *server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	product, err := store.GetProduct(r.Context(), s.db, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, product)
}

func (s *server) listProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := queryPage(r)
	result, err := store.ListProducts(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *server) createVariation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	productID, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		SKU               string          `json:"sku"`
		Attributes        json.RawMessage `json:"attributes"`
		Price             decimal.Decimal `json:"price"`
		Stock             int             `json:"stock"`
		LowStockThreshold int             `json:"low_stock_threshold"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	variation, err := store.CreateVariation(r.Context(), s.db, store.CreateVariationRequest{
		ProductID:         productID,
		SKU:               req.SKU,
		Attributes:        req.Attributes,
		Price:             req.Price,
		Stock:             req.Stock,
		LowStockThreshold: req.LowStockThreshold,
	}, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, variation)
}

func (s *server) listVariations(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	variations, err := store.ListVariationsByProduct(r.Context(), s.db, productID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, variations)
}

func (s *server) getVariation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	variation, err := store.GetVariation(r.Context(), s.db, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, variation)
}

// checkAvailability is a read-only guard; it reserves nothing.
func (s *server) checkAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil || quantity < 1 {
		s.respondBadRequest(w, "quantity must be a positive integer")
		return
	}

	if err := store.CheckAvailable(r.Context(), s.db, id, quantity); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"available": true})
}

func (s *server) setVariationAvailability(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Available bool `json:"available"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	if err := store.SetVariationAvailability(r.Context(), s.db, id, req.Available, actor); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"available": req.Available})
}

func (s *server) adjustStock(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Delta  int    `json:"delta"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	movement, err := store.AdjustStock(r.Context(), s.db, id, req.Delta, req.Reason, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, movement)
}

func (s *server) listMovements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	movements, err := store.ListMovements(r.Context(), s.db, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, movements)
}

func (s *server) lowStock(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	if !actor.IsAdmin() && !actor.IsSeller() {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "admin or seller only"})
		return
	}

	variations, err := store.LowStockVariations(r.Context(), s.db)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, variations)
}

// --- exchange rate ---

func (s *server) getExchangeRate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	rate, err := store.GetRate(r.Context(), s.db, s.cfg.Currency.DefaultRate, actor.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rate)
}

func (s *server) setExchangeRate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	if !actor.IsAdmin() {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
		return
	}

	var req struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	rate, err := store.SetRate(r.Context(), s.db, req.Rate, actor.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rate)
}

// --- cart ---

// getCart serves from redis when it can. Misses collapse through
// singleflight so a hot cart hits postgres once, not once per caller.
func (s *server) getCart(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	if cart, err := s.carts.Get(r.Context(), actor.ID); err == nil {
		s.respondJSON(w, http.StatusOK, cart)
		return
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.log.Warn("cart cache read", zap.Error(err), zap.Int64("user_id", actor.ID))
	}

	v, err, _ := s.sfg.Do(strconv.FormatInt(actor.ID, 10), func() (interface{}, error) {
		cart, err := store.GetCart(r.Context(), s.db, actor.ID)
		if err != nil {
			return nil, err
		}
		if err := s.carts.Set(r.Context(), actor.ID, cart); err != nil {
			s.log.Warn("cart cache write", zap.Error(err), zap.Int64("user_id", actor.ID))
		}
		return cart, nil
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, v.(*models.Cart))
}

func (s *server) addCartItem(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		VariationID int64 `json:"variation_id"`
		Quantity    int   `json:"quantity"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	cart, err := store.AddCartItem(r.Context(), s.db, actor.ID, req.VariationID, req.Quantity)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.invalidateCart(r, actor.ID)
	s.respondJSON(w, http.StatusOK, cart)
}

func (s *server) updateCartItem(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	variationID, err := pathID(r, "variationID")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	cart, err := store.UpdateCartItemQuantity(r.Context(), s.db, actor.ID, variationID, req.Quantity)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.invalidateCart(r, actor.ID)
	s.respondJSON(w, http.StatusOK, cart)
}

func (s *server) removeCartItem(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	variationID, err := pathID(r, "variationID")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	cart, err := store.RemoveCartItem(r.Context(), s.db, actor.ID, variationID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.invalidateCart(r, actor.ID)
	s.respondJSON(w, http.StatusOK, cart)
}

func (s *server) clearCart(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	if err := store.ClearCart(r.Context(), s.db, actor.ID); err != nil {
		s.respondError(w, err)
		return
	}
	s.invalidateCart(r, actor.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) invalidateCart(r *http.Request, userID int64) {
	if err := s.carts.Delete(r.Context(), userID); err != nil {
		s.log.Warn("cart cache invalidate", zap.Error(err), zap.Int64("user_id", userID))
	}
}

// --- offers ---

func (s *server) createOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		VariationID   int64           `json:"variation_id"`
		ProposedPrice decimal.Decimal `json:"proposed_price"`
		Message       string          `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	offer, err := store.CreateOffer(r.Context(), s.db, actor.ID, req.VariationID, req.ProposedPrice, req.Message)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, offer)
}

func (s *server) listOffers(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	offers, err := store.ListOffersByUser(r.Context(), s.db, actor.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, offers)
}

func (s *server) listPendingOffers(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	if !actor.IsAdmin() {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
		return
	}

	offers, err := store.ListPendingOffers(r.Context(), s.db)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, offers)
}

func (s *server) getOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	offer, err := store.GetOffer(r.Context(), s.db, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if offer.UserID != actor.ID && !actor.IsAdmin() {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "not your offer"})
		return
	}
	s.respondJSON(w, http.StatusOK, offer)
}

func (s *server) addOfferMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Body  string           `json:"body"`
		Price *decimal.Decimal `json:"price,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	message, err := store.AddOfferMessage(r.Context(), s.db, id, req.Body, req.Price, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, message)
}

func (s *server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		AcceptedPrice decimal.Decimal `json:"accepted_price"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	offer, err := store.AcceptOffer(r.Context(), s.db, id, req.AcceptedPrice, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, offer)
}

func (s *server) rejectOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	offer, err := store.RejectOffer(r.Context(), s.db, id, req.Reason, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, offer)
}

func (s *server) retractOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	offer, err := store.RetractOffer(r.Context(), s.db, id, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, offer)
}

func (s *server) redeemOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	cart, err := store.RedeemOfferToCart(r.Context(), s.db, id, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.invalidateCart(r, actor.ID)
	s.respondJSON(w, http.StatusOK, cart)
}

// --- orders ---

func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		AddressID      int64  `json:"address_id"`
		Currency       string `json:"currency"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var key uuid.UUID
	if req.IdempotencyKey != "" {
		key, err = uuid.Parse(req.IdempotencyKey)
		if err != nil {
			s.respondBadRequest(w, "idempotency_key must be a UUID")
			return
		}
	}

	order, err := store.CreateOrder(r.Context(), s.db, s.cfg.Currency, store.CreateOrderRequest{
		UserID:         actor.ID,
		AddressID:      req.AddressID,
		Currency:       req.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.invalidateCart(r, actor.ID)
	s.respondJSON(w, http.StatusCreated, order)
}

func (s *server) listOrders(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	page, err := store.ListOrdersCursor(r.Context(), s.db, actor.ID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, page)
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	order, err := store.GetOrder(r.Context(), s.db, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if order.UserID != actor.ID && !actor.IsAdmin() {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
		return
	}
	s.respondJSON(w, http.StatusOK, order)
}

func (s *server) acceptOrder(w http.ResponseWriter, r *http.Request) {
	s.orderAction(w, r, func(actor store.Actor, id int64, notes string) (*models.Order, error) {
		return store.AcceptOrder(r.Context(), s.db, id, notes, actor)
	})
}

func (s *server) rejectOrder(w http.ResponseWriter, r *http.Request) {
	s.orderAction(w, r, func(actor store.Actor, id int64, notes string) (*models.Order, error) {
		return store.RejectOrder(r.Context(), s.db, id, notes, actor)
	})
}

func (s *server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	s.orderAction(w, r, func(actor store.Actor, id int64, _ string) (*models.Order, error) {
		return store.CancelOrder(r.Context(), s.db, id, actor)
	})
}

func (s *server) markOrderPaid(w http.ResponseWriter, r *http.Request) {
	s.orderAction(w, r, func(actor store.Actor, id int64, _ string) (*models.Order, error) {
		return store.MarkOrderPaid(r.Context(), s.db, id, actor)
	})
}

// orderAction factors the shared shape of the order mutation endpoints:
// actor, path id, optional {"notes": ...} body, one store call.
func (s *server) orderAction(w http.ResponseWriter, r *http.Request, fn func(store.Actor, int64, string) (*models.Order, error)) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.respondBadRequest(w, err.Error())
			return
		}
	}

	order, err := fn(actor, id, req.Notes)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, order)
}

func (s *server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.respondBadRequest(w, err.Error())
		return
	}

	order, err := store.UpdateOrderStatus(r.Context(), s.db, id, models.OrderStatus(req.Status), req.Notes, actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, order)
}

func queryPage(r *http.Request) (page, pageSize int) {
	page, pageSize = 1, 20
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			pageSize = n
		}
	}
	return page, pageSize
}
