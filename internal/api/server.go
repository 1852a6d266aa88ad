package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"credit-processing-service/internal/executor"
	"credit-processing-service/internal/history"
	"credit-processing-service/internal/jobs"
	"credit-processing-service/internal/ledger"
	"credit-processing-service/internal/models"
	"credit-processing-service/internal/ratelimit"
	"credit-processing-service/internal/telemetry"
)

// Pinger reports durable store reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP handlers over the facades. Authentication is an
// external concern: identity arrives in X-User / X-Role headers.
type Server struct {
	credits  *ledger.Facade
	jobs     *jobs.Facade
	recorder *history.Recorder
	exec     *executor.Executor
	limiter  *ratelimit.TokenBucket
	durable  Pinger
	jobCost  int64
	log      zerolog.Logger
}

func New(credits *ledger.Facade, j *jobs.Facade, r *history.Recorder, exec *executor.Executor,
	limiter *ratelimit.TokenBucket, durable Pinger, jobCost int64, log zerolog.Logger) *Server {
	return &Server{
		credits:  credits,
		jobs:     j,
		recorder: r,
		exec:     exec,
		limiter:  limiter,
		durable:  durable,
		jobCost:  jobCost,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Delete("/jobs/{id}", s.handleDelete)

	r.Get("/credits/balance", s.handleBalance)
	r.Get("/credits/transactions", s.handleTransactions)
	r.Post("/credits/grant", s.handleGrant)

	r.Get("/history", s.handleHistory)
	r.Get("/stats", s.handleStats)
	return r
}

type identity struct {
	User string
	Role string
}

func requester(r *http.Request) (identity, bool) {
	user := r.Header.Get("X-User")
	if user == "" {
		return identity{}, false
	}
	role := models.RoleMember
	if r.Header.Get("X-Role") == models.RoleAdmin {
		role = models.RoleAdmin
	}
	return identity{User: user, Role: role}, true
}

type submitRequest struct {
	InputRef string         `json:"input_ref"`
	Params   map[string]any `json:"params"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json"))
		return
	}
	if req.InputRef == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("input_ref is required"))
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), id.User)
		if err != nil {
			s.log.Warn().Err(err).Msg("rate limiter unavailable, admitting")
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate limited"))
			return
		}
	}

	// Debit before the job row exists: a job is only ever created after a
	// committed debit, so the id must be allocated up front.
	jobID := jobs.NewID()
	if err := s.credits.Debit(r.Context(), id.User, id.Role, jobID, s.jobCost); err != nil {
		if errors.Is(err, models.ErrInsufficientCredits) {
			telemetry.AdmissionRejects.Inc()
			writeJSON(w, http.StatusPaymentRequired, errorBody("insufficient credits"))
			return
		}
		s.log.Error().Err(err).Str("user", id.User).Msg("debit failed on all paths")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("ledger unavailable"))
		return
	}

	debited := s.jobCost
	if id.Role == models.RoleAdmin {
		debited = 0
	}

	job, err := s.jobs.Create(r.Context(), jobID, id.User, id.Role, req.InputRef, req.Params)
	if err != nil {
		// The debit committed but the job cannot exist; undo it.
		if debited > 0 {
			if rerr := s.credits.Refund(r.Context(), id.User, id.Role, jobID, debited); rerr != nil {
				s.log.Error().Err(rerr).Str("job", jobID).Msg("refund after failed create also failed")
			}
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("job create failed"))
		return
	}

	s.exec.Submit(executor.Task{JobID: jobID, Owner: id.User, Role: id.Role, Debited: debited})
	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}

	q := jobs.ListQuery{
		Status:   r.URL.Query().Get("status"),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", 20),
	}
	sortBy := r.URL.Query().Get("sort")
	if strings.HasPrefix(sortBy, "-") {
		q.Desc = true
		sortBy = sortBy[1:]
	}
	q.SortBy = sortBy

	items, total, err := s.jobs.List(r.Context(), id.User, id.Role, q)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      items,
		"total":     total,
		"page":      q.Page,
		"page_size": q.PageSize,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	job, err := s.jobs.GetFor(r.Context(), chi.URLParam(r, "id"), id.User, id.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	if err := s.jobs.Delete(r.Context(), chi.URLParam(r, "id"), id.User, id.Role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	acct := s.credits.Balance(r.Context(), id.User, id.Role)
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	txs, err := s.credits.Transactions(r.Context(), id.User, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type grantRequest struct {
	Username string `json:"username"`
	Amount   int64  `json:"amount"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	if id.Role != models.RoleAdmin {
		writeJSON(w, http.StatusForbidden, errorBody("admin only"))
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("username and positive amount required"))
		return
	}
	if err := s.credits.Grant(r.Context(), req.Username, models.RoleMember, req.Amount, id.User); err != nil {
		writeError(w, err)
		return
	}
	acct := s.credits.Balance(r.Context(), req.Username, models.RoleMember)
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	owner := id.User
	if id.Role == models.RoleAdmin {
		if o := r.URL.Query().Get("owner"); o != "" {
			owner = o
		}
	}
	out, err := s.recorder.Outcomes(r.Context(), owner, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []models.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("missing X-User header"))
		return
	}
	if id.Role != models.RoleAdmin {
		writeJSON(w, http.StatusForbidden, errorBody("admin only"))
		return
	}
	st, err := s.recorder.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	durable := true
	if s.durable != nil && s.durable.Ping(r.Context()) != nil {
		durable = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "durable_store": durable})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, models.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody("access forbidden"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
