package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

type HTTPHandler struct {
	orders    *service.OrderService
	inventory *service.InventoryService
	log       logrus.FieldLogger
}

type PlaceOrderHTTPRequest struct {
	RequestID string              `json:"request_id"`
	CartID    string              `json:"cart_id"`
	Shipping  domain.ShippingInfo `json:"shipping"`
}

type PlaceOrderHTTPResponse struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

type MovementHTTPRequest struct {
	Quantity  int    `json:"quantity"`
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

type AdjustHTTPRequest struct {
	Target int    `json:"target"`
	Reason string `json:"reason"`
}

type StatusHTTPRequest struct {
	Status string `json:"status"`
}

type MovementHTTPResponse struct {
	Applied  bool                  `json:"applied"`
	Movement *domain.StockMovement `json:"movement,omitempty"`
}

type LedgerHTTPResponse struct {
	Report    *domain.LedgerReport   `json:"report"`
	Movements []domain.StockMovement `json:"movements"`
}

const actorHeader = "X-User-ID"

func NewHTTPHandler(orders *service.OrderService, inventory *service.InventoryService, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{orders: orders, inventory: inventory, log: log}
}

func (h *HTTPHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders", h.PlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/status", h.UpdateStatus).Methods(http.MethodPut)

	inv := api.PathPrefix("/inventory").Subrouter()
	inv.HandleFunc("/products/{id:[0-9]+}/deduct", h.movement(domain.MovementSale)).Methods(http.MethodPost)
	inv.HandleFunc("/products/{id:[0-9]+}/restore", h.movement(domain.MovementReturn)).Methods(http.MethodPost)
	inv.HandleFunc("/products/{id:[0-9]+}/restock", h.movement(domain.MovementRestock)).Methods(http.MethodPost)
	inv.HandleFunc("/products/{id:[0-9]+}/adjust", h.AdjustStock).Methods(http.MethodPost)
	inv.HandleFunc("/products/{id:[0-9]+}/ledger", h.ProductLedger).Methods(http.MethodGet)
	inv.HandleFunc("/low-stock", h.LowStock).Methods(http.MethodGet)
	inv.HandleFunc("/movements", h.Movements).Methods(http.MethodGet)
	inv.HandleFunc("/alerts", h.Alerts).Methods(http.MethodGet)
	inv.HandleFunc("/alerts/{id}/resolve", h.ResolveAlert).Methods(http.MethodPost)

	return h.logMiddleware(r)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	placed, err := h.orders.PlaceOrder(r.Context(), domain.PlaceOrderRequest{
		CartID:    req.CartID,
		RequestID: req.RequestID,
		Shipping:  req.Shipping,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, PlaceOrderHTTPResponse{
		OrderID:     placed.OrderID,
		OrderNumber: domain.FormatOrderNumber(placed.OrderNumber),
	})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.CancelOrder(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.orders.UpdateStatus(r.Context(), mux.Vars(r)["id"], status); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) movement(kind domain.MovementType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, ok := h.productID(w, r)
		if !ok {
			return
		}
		var req MovementHTTPRequest
		if !h.decode(w, r, &req) {
			return
		}

		opts := h.movementOptions(r, req.Reference)
		var (
			mv  *domain.StockMovement
			err error
		)
		switch kind {
		case domain.MovementSale:
			mv, err = h.inventory.Deduct(r.Context(), productID, req.Quantity, req.OrderID, req.Reason, opts...)
		case domain.MovementReturn:
			mv, err = h.inventory.Restore(r.Context(), productID, req.Quantity, req.OrderID, req.Reason, opts...)
		default:
			mv, err = h.inventory.AddStock(r.Context(), productID, req.Quantity, req.Reason, opts...)
		}
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, MovementHTTPResponse{Applied: mv != nil, Movement: mv})
	}
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}
	var req AdjustHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	mv, err := h.inventory.AdjustTo(r.Context(), productID, req.Target, req.Reason, h.movementOptions(r, "")...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MovementHTTPResponse{Applied: mv != nil, Movement: mv})
}

func (h *HTTPHandler) ProductLedger(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}
	report, err := h.inventory.VerifyLedger(r.Context(), productID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	movements, err := h.inventory.GetStockMovements(r.Context(), &productID, queryInt(r, "limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, LedgerHTTPResponse{Report: report, Movements: movements})
}

func (h *HTTPHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.inventory.GetLowStockProducts(r.Context(), queryInt(r, "limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(products))
}

func (h *HTTPHandler) Movements(w http.ResponseWriter, r *http.Request) {
	var productID *int64
	if raw := r.URL.Query().Get("product_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, &domain.ValidationError{Field: "product_id", Message: "must be an integer"})
			return
		}
		productID = &id
	}

	movements, err := h.inventory.GetStockMovements(r.Context(), productID, queryInt(r, "limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(movements))
}

func (h *HTTPHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	alerts, err := h.inventory.GetStockAlerts(r.Context(), resolved)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (h *HTTPHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.inventory.ResolveAlert(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) movementOptions(r *http.Request, reference string) []service.MovementOption {
	var opts []service.MovementOption
	if reference != "" {
		opts = append(opts, service.WithReference(reference))
	}
	if actor := r.Header.Get(actorHeader); actor != "" {
		opts = append(opts, service.WithActor(actor))
	}
	return opts
}

func (h *HTTPHandler) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, &domain.ValidationError{Field: "id", Message: "must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, &domain.ValidationError{Field: "body", Message: "invalid JSON"})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status, body := newErrorResponse(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	h.writeJSON(w, status, body)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Error("write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *HTTPHandler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Info("request handled")
	})
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
