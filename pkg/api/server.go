package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/carbonmrv/pkg/audit"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/registry"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
	"github.com/Mindburn-Labs/carbonmrv/pkg/verification"
)

const maxBodyBytes = 8 << 20

// Pipeline is the orchestrator surface the API needs.
type Pipeline interface {
	RunWorkflow(ctx context.Context, farm contracts.FarmRecord, obs contracts.Observation) (*contracts.WorkflowResult, error)
	RunBatch(ctx context.Context, inputs []verification.WorkflowInput) ([]verification.BatchItem, error)
	GetReport(ctx context.Context, reportID string) (contracts.VerificationRecord, error)
	ListReports(ctx context.Context, f registry.Filter) ([]contracts.VerificationRecord, error)
	StoreReport(ctx context.Context, reportID string) (contracts.VerificationRecord, error)
	MintReport(ctx context.Context, reportID string) (contracts.VerificationRecord, error)
	RejectReport(ctx context.Context, reportID, reason string) (contracts.VerificationRecord, error)
	ReportDocument(ctx context.Context, reportID string) (verification.Document, error)
	TotalCreditsMinted(ctx context.Context, owner string) (float64, error)
	Balance(ctx context.Context, address string) (token.Amount, error)
	Transfer(ctx context.Context, from, to string, amount token.Amount) (token.TxID, error)
	Retire(ctx context.Context, holder string, amount token.Amount, reason string) (token.TxID, error)
	TokenInfo() token.Info
	Journal(ctx context.Context) (token.JournalStatus, error)
}

// Auditor re-validates a stored report.
type Auditor interface {
	Audit(ctx context.Context, reportID string) (audit.Result, error)
}

// Server holds the HTTP handlers.
type Server struct {
	pipeline Pipeline
	auditor  Auditor
	limiter  Limiter
	logger   *slog.Logger
}

// NewServer builds a server. A nil limiter disables rate limiting.
func NewServer(p Pipeline, a Auditor, l Limiter) *Server {
	return &Server{
		pipeline: p,
		auditor:  a,
		limiter:  l,
		logger:   slog.Default().With("component", "api"),
	}
}

// Handler returns the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/workflows", s.handleRunWorkflow)
	mux.HandleFunc("POST /v1/workflows/batch", s.handleRunBatch)
	mux.HandleFunc("GET /v1/reports", s.handleListReports)
	mux.HandleFunc("GET /v1/reports/{id}", s.handleGetReport)
	mux.HandleFunc("POST /v1/reports/{id}/store", s.handleStoreReport)
	mux.HandleFunc("POST /v1/reports/{id}/mint", s.handleMintReport)
	mux.HandleFunc("POST /v1/reports/{id}/reject", s.handleRejectReport)
	mux.HandleFunc("GET /v1/reports/{id}/audit", s.handleAuditReport)
	mux.HandleFunc("GET /v1/reports/{id}/document", s.handleReportDocument)
	mux.HandleFunc("GET /v1/balances/{address}", s.handleBalance)
	mux.HandleFunc("GET /v1/owners/{address}/credits", s.handleOwnerCredits)
	mux.HandleFunc("POST /v1/transfers", s.handleTransfer)
	mux.HandleFunc("POST /v1/retirements", s.handleRetire)
	mux.HandleFunc("GET /v1/token", s.handleTokenInfo)
	mux.HandleFunc("GET /v1/token/journal", s.handleJournal)

	var h http.Handler = mux
	if s.limiter != nil {
		h = RateLimit(s.limiter, h)
	}
	return s.requestContext(h)
}

// requestContext assigns a request id and logs the request.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		if actor := r.Header.Get("X-Actor"); actor != "" {
			r = r.WithContext(audit.WithActor(r.Context(), actor))
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "request_id", id, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workflowRequest struct {
	Farm        contracts.FarmRecord  `json:"farm"`
	Observation contracts.Observation `json:"observation"`
	ImageData   []byte                `json:"image_data,omitempty"`
}

func (req workflowRequest) input() verification.WorkflowInput {
	obs := req.Observation
	obs.ImageData = req.ImageData
	return verification.WorkflowInput{Farm: req.Farm, Observation: obs}
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := contracts.ValidateDocument(contracts.SchemaWorkflow, body); err != nil {
		schemaError(w, r, err)
		return
	}
	var req workflowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}

	in := req.input()
	res, err := s.pipeline.RunWorkflow(r.Context(), in.Farm, in.Observation)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type batchRequest struct {
	Items []json.RawMessage `json:"items"`
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Items) == 0 {
		WriteBadRequest(w, r, "Body must be {\"items\": [workflow, ...]} with at least one item")
		return
	}
	inputs := make([]verification.WorkflowInput, 0, len(req.Items))
	for _, raw := range req.Items {
		if err := contracts.ValidateDocument(contracts.SchemaWorkflow, raw); err != nil {
			schemaError(w, r, err)
			return
		}
		var item workflowRequest
		if err := json.Unmarshal(raw, &item); err != nil {
			WriteBadRequest(w, r, "Invalid batch item")
			return
		}
		inputs = append(inputs, item.input())
	}

	items, err := s.pipeline.RunBatch(r.Context(), inputs)
	if err != nil {
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Batch Interrupted", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Owner:  q.Get("owner"),
		FarmID: q.Get("farm"),
		Status: contracts.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		WriteBadRequest(w, r, "Unknown status "+q.Get("status"))
		return
	}
	recs, err := s.pipeline.ListReports(r.Context(), f)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": recs, "count": len(recs)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStoreReport(w http.ResponseWriter, r *http.Request) {
	s.respondRecord(w, r)(s.pipeline.StoreReport(r.Context(), r.PathValue("id")))
}

func (s *Server) handleMintReport(w http.ResponseWriter, r *http.Request) {
	s.respondRecord(w, r)(s.pipeline.MintReport(r.Context(), r.PathValue("id")))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectReport(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	s.respondRecord(w, r)(s.pipeline.RejectReport(r.Context(), r.PathValue("id"), req.Reason))
}

func (s *Server) respondRecord(w http.ResponseWriter, r *http.Request) func(contracts.VerificationRecord, error) {
	return func(rec contracts.VerificationRecord, err error) {
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "Auditing is not configured")
		return
	}
	res, err := s.auditor.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReportDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.ReportDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type balanceResponse struct {
	Address string  `json:"address"`
	Balance string  `json:"balance"`
	Tons    float64 `json:"tons"`
	Symbol  string  `json:"symbol"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	bal, err := s.pipeline.Balance(r.Context(), addr)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address: addr,
		Balance: bal.String(),
		Tons:    bal.Tons(),
		Symbol:  s.pipeline.TokenInfo().Symbol,
	})
}

func (s *Server) handleOwnerCredits(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("address")
	total, err := s.pipeline.TotalCreditsMinted(r.Context(), owner)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "total_credits_minted": total})
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type retireRequest struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

type txResponse struct {
	TxID   token.TxID `json:"tx_id"`
	Amount string     `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := token.ParseAmount(req.Amount)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	tx, err := s.pipeline.Transfer(r.Context(), req.From, req.To, amount)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txResponse{TxID: tx, Amount: amount.String()})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	var req retireRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := token.ParseAmount(req.Amount)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	tx, err := s.pipeline.Retire(r.Context(), req.Holder, amount, req.Reason)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txResponse{TxID: tx, Amount: amount.String()})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.TokenInfo())
}

// handleJournal returns the ledger journal. A broken hash chain is reported
// as valid=false with a 200, like a failed audit.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Journal(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
		return nil, false
	}
	return body, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
