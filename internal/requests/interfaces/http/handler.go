package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"subscriber-cloud/internal/audit"
	"subscriber-cloud/internal/auth"
	"subscriber-cloud/internal/iws"
	"subscriber-cloud/internal/observability/metrics"
	requestsapp "subscriber-cloud/internal/requests/application"
	requests "subscriber-cloud/internal/requests/domain"
	"subscriber-cloud/internal/requests/interfaces"
)

// AccountDirectory is the read-only slice of the upstream client the API
// exposes directly.
type AccountDirectory interface {
	LookupAccount(ctx context.Context, imei string) (*iws.AccountSnapshot, error)
	GetAccountDetail(ctx context.Context, accountNumber string) (*iws.AccountDetail, error)
	ListEligiblePlans(ctx context.Context, fromBundleID string, forActivate bool) ([]iws.Plan, error)
	ValidateDevice(ctx context.Context, deviceString string) (*iws.DeviceValidation, error)
	SystemStatus(ctx context.Context) error
}

// Reconciler triggers an immediate reconciliation pass.
type Reconciler interface {
	RunOnce(ctx context.Context)
}

// Handler provides the service-request HTTP endpoints.
type Handler struct {
	service     *requestsapp.Service
	directory   AccountDirectory
	reconciler  Reconciler
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *requestsapp.Service, directory AccountDirectory, reconciler Reconciler, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("requests handler: nil service")
	}
	if directory == nil {
		return nil, errors.New("requests handler: nil directory")
	}
	return &Handler{
		service:     service,
		directory:   directory,
		reconciler:  reconciler,
		auditLogger: auditLogger,
	}, nil
}

// Register wires the handler onto a mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/requests", h.handleRequests)
	mux.HandleFunc("/api/v1/requests/", h.handleRequestByID)
	mux.HandleFunc("/api/v1/accounts", h.handleAccountSearch)
	mux.HandleFunc("/api/v1/accounts/", h.handleAccountDetail)
	mux.HandleFunc("/api/v1/plans", h.handlePlans)
	mux.HandleFunc("/api/v1/devices/validate", h.handleValidateDevice)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/healthz/upstream", h.handleUpstreamHealth)
}

func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSubmit(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req requestsapp.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	request, err := h.service.Submit(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(request)

	h.logAudit(r, "request.submit", request.ID, map[string]any{
		"imei":      request.IMEI,
		"operation": request.Operation,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []requests.ServiceRequest{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (h *Handler) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/requests/")
	switch {
	case rest == "reconcile" && r.Method == http.MethodPost:
		h.handleReconcile(w, r)
	case rest == "completed" && r.Method == http.MethodDelete:
		h.handlePurge(w, r)
	case rest == "export.xlsx" && r.Method == http.MethodGet:
		h.handleExport(w, r, "xlsx")
	case rest == "export.pdf" && r.Method == http.MethodGet:
		h.handleExport(w, r, "pdf")
	case strings.HasSuffix(rest, "/approve") && r.Method == http.MethodPost:
		h.handleApprove(w, r, strings.TrimSuffix(rest, "/approve"))
	case r.Method == http.MethodGet && rest != "" && !strings.Contains(rest, "/"):
		h.handleGet(w, r, rest)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	request, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondRequestError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(request)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	request, err := h.service.Approve(r.Context(), id)
	if err != nil {
		respondRequestError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(request)

	h.logAudit(r, "request.approve", request.ID, map[string]any{
		"imei":           request.IMEI,
		"operation":      request.Operation,
		"transaction_id": request.TransactionID,
	})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		http.Error(w, "reconciler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.reconciler.RunOnce(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.Purge(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"removed": removed})

	h.logAudit(r, "request.purge", "", map[string]any{"removed": removed})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	list, err := h.service.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		metrics.IncExport(format, metrics.ResultError)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	now := time.Now()
	var raw []byte
	var contentType, filename string
	switch format {
	case "xlsx":
		raw, err = interfaces.BuildLedgerXLSX(list, now)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		filename = "requests.xlsx"
	case "pdf":
		raw, err = interfaces.BuildLedgerPDF(list, now)
		contentType = "application/pdf"
		filename = "requests.pdf"
	}
	if err != nil {
		metrics.IncExport(format, metrics.ResultError)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.IncExport(format, metrics.ResultSuccess)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(raw)
}

func (h *Handler) handleAccountSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	imei := r.URL.Query().Get("imei")
	if imei == "" {
		http.Error(w, "imei required", http.StatusBadRequest)
		return
	}
	snapshot, err := h.directory.LookupAccount(r.Context(), imei)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (h *Handler) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	accountNumber := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
	if accountNumber == "" || strings.Contains(accountNumber, "/") {
		http.Error(w, "account number required", http.StatusBadRequest)
		return
	}
	detail, err := h.directory.GetAccountDetail(r.Context(), accountNumber)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(detail)
}

func (h *Handler) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fromBundleID := r.URL.Query().Get("from_bundle_id")
	forActivate := r.URL.Query().Get("for_activate") == "true"
	plans, err := h.directory.ListEligiblePlans(r.Context(), fromBundleID, forActivate)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	if plans == nil {
		plans = []iws.Plan{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(plans)
}

func (h *Handler) handleValidateDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeviceString string `json:"device_string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DeviceString == "" {
		http.Error(w, "device_string required", http.StatusBadRequest)
		return
	}
	validation, err := h.directory.ValidateDevice(r.Context(), req.DeviceString)
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(validation)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleUpstreamHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.directory.SystemStatus(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unreachable", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) logAudit(r *http.Request, action, resourceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	metadata, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "service_request",
		ResourceID:   resourceID,
		Metadata:     metadata,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func respondRequestError(w http.ResponseWriter, err error) {
	var notFound *requests.NotFoundError
	if errors.As(err, &notFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if iws.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	var stateErr *iws.BusinessStateError
	if errors.As(err, &stateErr) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if iws.IsRemoteFailure(err) {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func respondUpstreamError(w http.ResponseWriter, err error) {
	if iws.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if iws.IsRemoteFailure(err) {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
