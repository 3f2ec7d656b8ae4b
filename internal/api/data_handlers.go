package api

import (
	"net/http"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
)

type customersUploadResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type ordersUploadResponse struct {
	Message string `json:"message"`
	*ingest.OrderResult
}

// UploadCustomers upserts a batch of customers keyed by customer_id.
//
//	POST /api/data/customers
func (h *Handlers) UploadCustomers(w http.ResponseWriter, r *http.Request) {
	var batch []ingest.CustomerInput
	if !decode(w, r, &batch) {
		return
	}
	n, err := h.ingest.UpsertCustomers(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, customersUploadResponse{Message: "customers processed", Count: n})
}

// ListCustomers returns customers, newest first.
//
//	GET /api/data/customers
func (h *Handlers) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.ingest.ListCustomers(r.Context(), parseLimit(r, defaultListLimit, maxListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	if customers == nil {
		customers = []domain.Customer{}
	}
	httputil.OK(w, customers)
}

// UploadOrders ingests orders one by one. Orders that fail are reported
// with 207 Multi-Status while the rest are kept.
//
//	POST /api/data/orders
func (h *Handlers) UploadOrders(w http.ResponseWriter, r *http.Request) {
	var batch []ingest.OrderInput
	if !decode(w, r, &batch) {
		return
	}
	res, err := h.ingest.IngestOrders(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Failed > 0 {
		httputil.JSON(w, http.StatusMultiStatus, ordersUploadResponse{
			Message:     "orders processed with errors",
			OrderResult: res,
		})
		return
	}
	httputil.Created(w, ordersUploadResponse{Message: "orders processed", OrderResult: res})
}

// ListOrders returns orders, newest first.
//
//	GET /api/data/orders
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.ingest.ListOrders(r.Context(), parseLimit(r, defaultListLimit, maxListLimit))
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	httputil.OK(w, orders)
}
