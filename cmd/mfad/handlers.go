package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/metrics/export/prometheus"
	"github.com/MrEthical07/goMFA/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const userHeader = "X-User-ID"

type server struct {
	engine     *goMFA.Engine
	logger     *zap.Logger
	adminToken string
	trustProxy bool
}

func newRouter(s *server) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)
	r.Use(middleware.RequestMetadata(s.trustProxy))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", prometheus.NewPrometheusExporter(s.engine).Handler())

	r.Route("/v1/mfa/{user}", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/setup", s.handleSetup)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/verify", s.handleVerify)
		r.Post("/disable", s.handleDisable)
		r.Get("/backup-codes/remaining", s.handleRemaining)
		r.Post("/backup-codes/regenerate", s.handleRegenerate)
		r.Get("/lockout", s.handleLockout)
	})

	// Routes behind a completed MFA challenge.
	r.With(middleware.RequireAssertion(s.engine)).Get("/v1/session/whoami", s.handleWhoami)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/audit/{user}", s.handleAuditTrail)
		r.Get("/audit/{user}/verify", s.handleAuditVerify)
		r.Post("/lockout/{user}/reset", s.handleLockoutReset)
		r.Get("/security-report", s.handleSecurityReport)
	})
	return r
}

/*
====================================
MIDDLEWARE
====================================
*/

// requireUser accepts the request only when the identity asserted by the
// primary-auth proxy matches the path.
func (s *server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		if user == "" || r.Header.Get(userHeader) != user {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + s.adminToken
		got := r.Header.Get("Authorization")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

/*
====================================
MFA HANDLERS
====================================
*/

type codeRequest struct {
	Code string `json:"code"`
}

type setupRequest struct {
	Account string `json:"account"`
}

type setupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type verifyResponse struct {
	Verified             bool   `json:"verified"`
	Method               string `json:"method"`
	RemainingBackupCodes int    `json:"remaining_backup_codes"`
	AuditSequence        uint64 `json:"audit_sequence"`
	Assertion            string `json:"assertion,omitempty"`
}

type lockoutResponse struct {
	Locked           bool  `json:"locked"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	FailedCount      int   `json:"failed_count"`
}

type errorBody struct {
	Error            string `json:"error"`
	RetryAfterSecond int64  `json:"retry_after_seconds,omitempty"`
}

func (s *server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request"})
			return
		}
	}
	res, err := s.engine.BeginSetup(r.Context(), chi.URLParam(r, "user"), req.Account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, setupResponse{Secret: res.SecretBase32, ProvisioningURI: res.ProvisioningURI})
}

func (s *server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	res, err := s.engine.ConfirmSetup(r.Context(), chi.URLParam(r, "user"), code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: res.BackupCodes})
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Verify(r.Context(), chi.URLParam(r, "user"), code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Verified:             res.Verified,
		Method:               res.Method,
		RemainingBackupCodes: res.RemainingBackupCodes,
		AuditSequence:        res.AuditSequence,
		Assertion:            res.Assertion,
	})
}

func (s *server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disable(r.Context(), chi.URLParam(r, "user")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RemainingBackupCodes(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": n})
}

func (s *server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	codes, err := s.engine.RegenerateBackupCodes(r.Context(), chi.URLParam(r, "user"), code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (s *server) handleLockout(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.IsLocked(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lockoutResponse{
		Locked:           st.Locked,
		RemainingSeconds: ceilSeconds(st.Remaining),
		FailedCount:      st.FailedCount,
	})
}

func (s *server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        claims.Subject,
		"method":         claims.Method,
		"audit_sequence": claims.AuditSequence,
	})
}

/*
====================================
ADMIN HANDLERS
====================================
*/

func (s *server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.engine.AuditTrail(r.Context(), chi.URLParam(r, "user"), from, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []goMFA.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.VerifyAuditChain(r.Context(), chi.URLParam(r, "user"))
	if err != nil && !errors.Is(err, goMFA.ErrIntegrityViolation) {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusConflict
	}
	writeJSON(w, status, rep)
}

func (s *server) handleLockoutReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetLockout(r.Context(), chi.URLParam(r, "user")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSecurityReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SecurityReport())
}

/*
====================================
RESPONSES
====================================
*/

func decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req codeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request"})
		return "", false
	}
	return req.Code, true
}

// writeError maps engine errors to HTTP statuses. Store and configuration
// details stay in the server log.
func (s *server) writeError(w http.ResponseWriter, err error) {
	if remaining, ok := goMFA.RemainingLockout(err); ok {
		secs := ceilSeconds(remaining)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "locked out", RetryAfterSecond: secs})
		return
	}

	var (
		status = http.StatusInternalServerError
		msg    = "internal error"
	)
	switch {
	case errors.Is(err, goMFA.ErrInvalidCodeFormat):
		status, msg = http.StatusBadRequest, "invalid code format"
	case errors.Is(err, goMFA.ErrUserIDRequired):
		status, msg = http.StatusBadRequest, "user id required"
	case errors.Is(err, goMFA.ErrVerificationFailed):
		status, msg = http.StatusUnauthorized, "verification failed"
	case errors.Is(err, goMFA.ErrNotEnrolled):
		status, msg = http.StatusNotFound, "mfa not enrolled"
	case errors.Is(err, goMFA.ErrAlreadyEnabled):
		status, msg = http.StatusConflict, "mfa already enabled"
	case errors.Is(err, goMFA.ErrSetupNotPending):
		status, msg = http.StatusConflict, "mfa setup not pending"
	case errors.Is(err, goMFA.ErrMFADisabled):
		status, msg = http.StatusConflict, "mfa disabled"
	case errors.Is(err, goMFA.ErrStoreUnavailable):
		status, msg = http.StatusServiceUnavailable, "store unavailable"
	case errors.Is(err, goMFA.ErrAuditUnavailable):
		status, msg = http.StatusServiceUnavailable, "audit unavailable"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("mfa request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
