package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/ledger"
	"github.com/sells-group/payment-proxy/internal/model"
)

const maxRequestBytes = 1 << 20

type claimVerifier interface {
	Verify(ctx context.Context, claim model.Claim) model.Outcome
	Issuers() []string
}

// api serves the HTTP surface. settler may be degraded; gate may be nil.
type api struct {
	verifier claimVerifier
	settler  *ledger.Settler
	gate     http.Handler
	expected model.Fields
}

func (a *api) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Signature"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.health)
	if a.gate != nil {
		r.Method(http.MethodPost, "/webhook/{issuer}", a.gate)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/verify", a.verify)
		r.Post("/deposits", a.deposit)
		r.Get("/ledger/{id}", a.getEntry)
		r.Post("/ledger/{id}/cancel", a.cancelEntry)
	})
	return r
}

// claimRequest is the JSON form of a verification claim.
type claimRequest struct {
	Issuer        string `json:"issuer"`
	Reference     string `json:"reference"`
	Link          string `json:"link"`
	Message       string `json:"message"`
	AccountNumber string `json:"account_number"`
	BaseURL       string `json:"base_url"`
	ReceiptNumber string `json:"receipt_number"`
	TimeoutMS     int    `json:"timeout_ms"`
	// Image is a base64 receipt screenshot.
	Image []byte `json:"image"`
}

func (c claimRequest) claim() model.Claim {
	return model.Claim{
		Issuer:        c.Issuer,
		Reference:     c.Reference,
		Link:          c.Link,
		Message:       c.Message,
		AccountNumber: c.AccountNumber,
		BaseURL:       c.BaseURL,
		ReceiptNumber: c.ReceiptNumber,
		Timeout:       time.Duration(c.TimeoutMS) * time.Millisecond,
		Image:         c.Image,
	}
}

type depositRequest struct {
	claimRequest
	OwnerID string           `json:"owner_id"`
	Amount  *decimal.Decimal `json:"amount"`
}

type depositResponse struct {
	Outcome    model.Outcome        `json:"outcome"`
	Settlement *ledger.SettleResult `json:"settlement,omitempty"`
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"persistence": !a.settler.Degraded(),
		"issuers":     a.verifier.Issuers(),
	})
}

func (a *api) verify(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, a.verifier.Verify(r.Context(), req.claim()))
}

func (a *api) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if a.settler.Degraded() {
		writeError(w, http.StatusServiceUnavailable, "running without persistence")
		return
	}

	claim := req.claim()
	out := a.verifier.Verify(r.Context(), claim)
	if out.Reference == "" {
		writeJSON(w, outcomeStatus(out), depositResponse{Outcome: out})
		return
	}

	claimed := decimal.Zero
	if req.Amount != nil {
		claimed = *req.Amount
	}
	issuer := claim.Issuer
	if issuer == "" {
		issuer = model.IssuerCBE
	}
	res, err := a.settler.Settle(r.Context(), ledger.SettleRequest{
		OwnerID:       req.OwnerID,
		PaymentMethod: issuer,
		Claim:         claim,
		Outcome:       out,
		ClaimedAmount: claimed,
		Expected:      a.expected,
	})
	if err != nil {
		zap.L().Error("api: settle deposit", zap.String("reference", out.Reference), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}

	status := outcomeStatus(out)
	if out.OK() && !res.Credited && !res.Duplicate {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, depositResponse{Outcome: out, Settlement: res})
}

func (a *api) getEntry(w http.ResponseWriter, r *http.Request) {
	if a.settler.Degraded() {
		writeError(w, http.StatusServiceUnavailable, "running without persistence")
		return
	}
	e, err := a.settler.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *api) cancelEntry(w http.ResponseWriter, r *http.Request) {
	if a.settler.Degraded() {
		writeError(w, http.StatusServiceUnavailable, "running without persistence")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	e, err := a.settler.Store().Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	zap.L().Info("api: entry cancelled", zap.String("entry_id", e.ID), zap.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, e)
}

// outcomeStatus maps a verification outcome to an HTTP status.
func outcomeStatus(out model.Outcome) int {
	switch out.Kind {
	case model.OutcomeSuccess:
		return http.StatusOK
	case model.OutcomeNotFound:
		return http.StatusNotFound
	case model.OutcomeInvalidReference, model.OutcomeInvalidAccount:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: ledger store", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
