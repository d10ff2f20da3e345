/*
handlers.go - HTTP API handlers for the pharmaceutical ledger

PURPOSE:
  Exposes the inventory service via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to pharma.Service.

ENDPOINTS:
  Transactions (ledger):
    POST   /api/transactions                     Record a stock movement
    GET    /api/transactions                     Recent entries (?limit=, max 1000)
    GET    /api/transactions/item/{id}           History of one drug
    GET    /api/transactions/drug/{id}           Same, original path
    GET    /api/transactions/partition/{batch}   Chain of one batch
    GET    /api/transactions/verify/{batch}      Verify one batch
    GET    /api/transactions/verify              Verify every batch

  Drugs (catalog):
    GET    /api/drugs                            List drugs
    POST   /api/drugs                            Create drug + initial stock entry
    GET    /api/drugs/alerts                     Low stock and expiring soon
    GET    /api/drugs/{id}                       Get drug
    PUT    /api/drugs/{id}                       Update metadata (never quantity)
    GET    /api/drugs/{id}/stock                 Quantity + per-location fold
    POST   /api/drugs/{id}/rebuild               Recompute quantity from ledger
    GET    /api/drugs/{id}/qr                    QR label payload

  Inventory:
    GET    /api/inventory/summary
    GET    /api/inventory/locations

  Admin:
    POST   /api/admin/seed                       Load sample data (idempotent)
    POST   /api/admin/rebuild-stale              Repair stale quantities

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the ledger error
  category:
  - 400: ValidationError
  - 404: NotFoundError
  - 409: ConcurrencyError, with Retry-After
  - 500: PersistenceError and anything else

SECURITY NOTE:
  No authentication. Deploy behind the hospital's identity proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/pharma"
)

// RetryAfterSeconds is advertised on 409 responses.
const RetryAfterSeconds = 1

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *pharma.Service
	Logger  *slog.Logger
}

// NewHandler creates a new handler. A nil logger means slog.Default().
func NewHandler(svc *pharma.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction appends a movement to the drug's batch chain.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req pharma.MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.Service.RecordMovement(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "Failed to record transaction", err)
		return
	}

	h.Logger.Info("transaction recorded",
		"request_id", middleware.GetReqID(r.Context()),
		"partition", e.PartitionKey,
		"item", e.ItemRef,
		"entry_id", e.ID,
	)
	writeJSON(w, http.StatusCreated, CreateTransactionResponse{
		Message:       "Transaction recorded successfully",
		TransactionID: int64(e.ID),
		PreviousHash:  e.PreviousHash,
		CurrentHash:   e.CurrentHash,
		Timestamp:     e.TimestampString(),
	})
}

// ListTransactions returns the newest entries across all batches.
// GET /api/transactions?limit=100
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	entries, err := h.Service.RecentEntries(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// GetDrugTransactions returns every entry of one drug, oldest first.
// GET /api/transactions/item/{id}
func (h *Handler) GetDrugTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.DrugHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// GetBatchTransactions returns a batch's chain in order.
// GET /api/transactions/partition/{batch}
func (h *Handler) GetBatchTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.BatchHistory(r.Context(), chi.URLParam(r, "batch"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// VerifyBatch replays one batch. An invalid chain is still a 200: the
// report is the answer.
// GET /api/transactions/verify/{batch}
func (h *Handler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.VerifyBatch(r.Context(), chi.URLParam(r, "batch"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to verify chain", err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationDTO(report))
}

// VerifyAll replays every batch.
// GET /api/transactions/verify
func (h *Handler) VerifyAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Service.VerifyAll(r.Context())
	if err != nil && !ledger.IsIntegrityOnly(err) {
		h.writeServiceError(w, r, "Failed to verify chains", err)
		return
	}

	resp := VerifyAllResponse{IsValid: true, Partitions: len(reports), Reports: make([]VerificationDTO, len(reports))}
	for i, rep := range reports {
		resp.Reports[i] = toVerificationDTO(rep)
		resp.IsValid = resp.IsValid && rep.IsValid
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DRUG HANDLERS
// =============================================================================

// ListDrugs returns all drugs, newest first.
// GET /api/drugs
func (h *Handler) ListDrugs(w http.ResponseWriter, r *http.Request) {
	drugs, err := h.Service.ListDrugs(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list drugs", err)
		return
	}
	writeJSON(w, http.StatusOK, toDrugDTOs(drugs))
}

// CreateDrug registers a drug and its initial stock.
// POST /api/drugs
func (h *Handler) CreateDrug(w http.ResponseWriter, r *http.Request) {
	var req CreateDrugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	d, err := req.toDrug()
	if err != nil {
		h.writeServiceError(w, r, "Invalid drug", err)
		return
	}

	created, err := h.Service.CreateDrug(r.Context(), d)
	if err != nil {
		h.writeServiceError(w, r, "Failed to create drug", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateDrugResponse{Message: "Drug created successfully", Drug: toDrugDTO(created)})
}

// GetDrug returns a single drug.
// GET /api/drugs/{id}
func (h *Handler) GetDrug(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.GetDrug(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get drug", err)
		return
	}
	writeJSON(w, http.StatusOK, toDrugDTO(d))
}

// UpdateDrug changes catalog metadata.
// PUT /api/drugs/{id}
func (h *Handler) UpdateDrug(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields() // rejects "quantity"
	var req UpdateDrugRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body (quantity changes go through /api/transactions)", err)
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		h.writeServiceError(w, r, "Invalid update", err)
		return
	}

	d, err := h.Service.UpdateDrug(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update drug", err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateDrugResponse{Message: "Drug updated successfully", UpdatedDrug: toDrugDTO(d)})
}

// GetDrugStock returns the projected quantity and where the stock sits.
// GET /api/drugs/{id}/stock
func (h *Handler) GetDrugStock(w http.ResponseWriter, r *http.Request) {
	stock, err := h.Service.DrugStock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get stock", err)
		return
	}

	locs := make([]LocationStockDTO, len(stock.Locations))
	for i, l := range stock.Locations {
		locs[i] = LocationStockDTO{Location: l.Location, Quantity: l.Quantity}
	}
	writeJSON(w, http.StatusOK, DrugStockDTO{
		DrugID:     stock.Drug.ID,
		Quantity:   stock.Projection.Quantity,
		Stale:      stock.Projection.Stale,
		Locations:  locs,
		LowStock:   stock.Drug.IsLowStock(),
		MinStock:   stock.Drug.MinStockLevel,
		ExpiryDays: stock.Drug.DaysToExpiry(h.Service.Now()),
	})
}

// RebuildDrug recomputes the drug's quantity from its ledger entries.
// POST /api/drugs/{id}/rebuild
func (h *Handler) RebuildDrug(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	proj, err := h.Service.RebuildDrug(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to rebuild drug", err)
		return
	}
	writeJSON(w, http.StatusOK, RebuildResponse{DrugID: id, Quantity: proj.Quantity, Stale: proj.Stale})
}

// GetDrugQR returns the payload encoded in the drug's label.
// GET /api/drugs/{id}/qr
func (h *Handler) GetDrugQR(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.GetDrug(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get drug", err)
		return
	}
	writeJSON(w, http.StatusOK, d.QRPayload())
}

// GetAlerts returns low stock and expiring drugs.
// GET /api/drugs/alerts
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	low, expiring, err := h.Service.Alerts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to get alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, AlertsResponse{LowStock: toAlertDTOs(low), ExpiringSoon: toAlertDTOs(expiring)})
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// GetSummary returns the dashboard headline numbers.
// GET /api/inventory/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.Summary(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		TotalDrugs:    s.TotalDrugs,
		TotalItems:    s.TotalItems,
		LowStockItems: s.LowStockItems,
		ExpiringSoon:  s.ExpiringSoon,
		StaleItems:    s.StaleItems,
		TotalValue:    s.TotalValue,
	})
}

// ListLocations returns the known stock locations.
// GET /api/inventory/locations
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.Service.Locations(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list locations", err)
		return
	}
	dtos := make([]LocationDTO, len(locs))
	for i, l := range locs {
		dtos[i] = LocationDTO{ID: l.ID, Name: l.Name, Type: l.Type, TemperatureCondition: l.TemperatureCondition, Capacity: l.Capacity}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Seed loads the sample catalog.
// POST /api/admin/seed
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Seed(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to seed", err)
		return
	}
	writeJSON(w, http.StatusOK, SeedResponse{Locations: res.Locations, DrugsCreated: res.DrugsCreated, DrugsSkipped: res.DrugsSkipped})
}

// RebuildStale repairs every stale quantity. Partial failures are reported
// alongside the items that were repaired.
// POST /api/admin/rebuild-stale
func (h *Handler) RebuildStale(w http.ResponseWriter, r *http.Request) {
	refs, err := h.Service.RebuildStale(r.Context())
	resp := RebuildStaleResponse{Rebuilt: make([]string, len(refs))}
	for i, ref := range refs {
		resp.Rebuilt[i] = string(ref)
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeServiceError maps a ledger error category to its HTTP status.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrConcurrency):
		return http.StatusConflict, "concurrency"
	case errors.Is(err, ledger.ErrIntegrity):
		return http.StatusInternalServerError, "integrity"
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusInternalServerError, "persistence"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
