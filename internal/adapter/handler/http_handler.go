package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dealpoint/seckill/internal/core/service"
	"github.com/dealpoint/seckill/internal/log"
	"github.com/dealpoint/seckill/internal/port"
)

type HTTPHandler struct {
	seckill     *service.SeckillService
	catalog     port.CatalogRepository
	orders      port.OrderRepository
	prewarm     func(ctx context.Context, voucherID int64) error
	prewarmShop func(ctx context.Context, shopID int64) error
	logger      *log.Logger
}

type PurchaseResponse struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"order_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewHTTPHandler(seckill *service.SeckillService, catalog port.CatalogRepository, orders port.OrderRepository, prewarm, prewarmShop func(ctx context.Context, id int64) error, logger *log.Logger) *HTTPHandler {
	return &HTTPHandler{seckill: seckill, catalog: catalog, orders: orders, prewarm: prewarm, prewarmShop: prewarmShop, logger: logger}
}

func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Post("/api/voucher/{id}/purchase", h.Purchase)
	r.Post("/api/voucher/{id}/prewarm", h.Prewarm)
	r.Get("/api/order/{id}", h.GetOrder)
	r.Get("/api/shop/{id}", h.GetShop)
	r.Post("/api/shop/{id}/prewarm", h.PrewarmShop)
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	voucherID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, PurchaseResponse{Message: "invalid voucher id"})
		return
	}

	// Buyer identity arrives resolved at the edge and travels inward as
	// an explicit parameter, never as ambient request state.
	userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, PurchaseResponse{Message: "missing or invalid user id"})
		return
	}

	orderID, err := h.seckill.Purchase(r.Context(), userID, voucherID)
	if err != nil {
		status, message := purchaseFailure(err)
		if status == http.StatusInternalServerError {
			h.logger.Errorw("purchase failed", "user_id", userID, "voucher_id", voucherID, "err", err)
		}
		writeJSON(w, status, PurchaseResponse{Message: message})
		return
	}

	writeJSON(w, http.StatusOK, PurchaseResponse{Success: true, OrderID: orderID})
}

func purchaseFailure(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrDuplicateOrder):
		return http.StatusConflict, "already ordered"
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusGone, "sold out"
	case errors.Is(err, service.ErrSaleNotStarted):
		return http.StatusForbidden, "sale has not started"
	case errors.Is(err, service.ErrSaleEnded):
		return http.StatusForbidden, "sale has ended"
	case errors.Is(err, service.ErrVoucherNotFound):
		return http.StatusNotFound, "voucher not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *HTTPHandler) Prewarm(w http.ResponseWriter, r *http.Request) {
	voucherID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid voucher id"})
		return
	}

	if err := h.prewarm(r.Context(), voucherID); err != nil {
		if errors.Is(err, service.ErrVoucherNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "voucher not found"})
			return
		}
		h.logger.Errorw("prewarm failed", "voucher_id", voucherID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetOrder serves the durable order record. A recently accepted purchase
// may 404 here until the consumer persists it.
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid order id"})
		return
	}

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Errorw("order lookup failed", "order_id", orderID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}
	if order == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "order not found"})
		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) PrewarmShop(w http.ResponseWriter, r *http.Request) {
	shopID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid shop id"})
		return
	}

	if err := h.prewarmShop(r.Context(), shopID); err != nil {
		h.logger.Errorw("shop prewarm failed", "shop_id", shopID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) GetShop(w http.ResponseWriter, r *http.Request) {
	shopID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid shop id"})
		return
	}

	shop, err := h.catalog.GetShop(r.Context(), shopID)
	if err != nil {
		h.logger.Errorw("shop lookup failed", "shop_id", shopID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}
	if shop == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "shop not found"})
		return
	}

	writeJSON(w, http.StatusOK, shop)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
