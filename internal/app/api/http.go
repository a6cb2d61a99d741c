// Package api exposes the task and transaction operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gigboard/project/internal/app/lifecycle"
	"github.com/gigboard/project/internal/contracts"
	platformauth "github.com/gigboard/project/internal/platform/auth"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type TokenParser interface {
	Parse(token string) (platformauth.Claims, error)
}

type Handler struct {
	Service       *lifecycle.Service
	Tokens        TokenParser
	AllowedOrigin string
}

func NewHandler(service *lifecycle.Service, tokens TokenParser, allowedOrigin string) *Handler {
	return &Handler{Service: service, Tokens: tokens, AllowedOrigin: allowedOrigin}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Post("/api/v1/tasks", h.handleCreateTask)
		authR.Get("/api/v1/tasks", h.handleListOwnTasks)
		authR.Get("/api/v1/tasks/browse", h.handleBrowseTasks)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGetTask)
		authR.Put("/api/v1/tasks/{taskID}", h.handleUpdateTask)
		authR.Delete("/api/v1/tasks/{taskID}", h.handleDeleteTask)
		authR.Get("/api/v1/tasks/{taskID}/applicants", h.handleListApplicants)
		authR.Post("/api/v1/tasks/{taskID}/apply", h.handleApply)
		authR.Post("/api/v1/tasks/{taskID}/pass", h.handlePass)
		authR.Post("/api/v1/tasks/{taskID}/referrals", h.handleCreateReferral)
		authR.Post("/api/v1/tasks/{taskID}/requests", h.handleCreateRequest)

		authR.Get("/api/v1/transactions", h.handleListTransactions)
		authR.Get("/api/v1/transactions/{txnID}", h.handleGetTransaction)
		authR.Delete("/api/v1/transactions/{txnID}", h.handleDeleteTransaction)
		authR.Put("/api/v1/transactions/{txnID}/message", h.handleUpdateLastMessage)
		authR.Post("/api/v1/transactions/{txnID}/{action}", h.handleTransition)

		authR.Get("/api/v1/cards", h.handleListCards)
	})

	return r
}

type transitionFunc func(ctx context.Context, txnID, userID string) (contracts.Transaction, error)

func (h *Handler) transitions() map[string]transitionFunc {
	return map[string]transitionFunc{
		"withdraw":       h.Service.Withdraw,
		"accept":         h.Service.Accept,
		"reject":         h.Service.Reject,
		"accept-request": h.Service.AcceptRequest,
		"reject-request": h.Service.RejectRequest,
	}
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.TaskInput
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.Service.CreateTask(r.Context(), callerID(r), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.TaskInput
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.Service.UpdateTask(r.Context(), chi.URLParam(r, "taskID"), callerID(r), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.DeleteTask(r.Context(), chi.URLParam(r, "taskID"), callerID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleListOwnTasks(w http.ResponseWriter, r *http.Request) {
	limit, token, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	page, err := h.Service.ListOwnTasks(r.Context(), callerID(r), limit, token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lifecycle.ViewPage[contracts.Task]{Items: page.Items, NextPageToken: page.NextPageToken})
}

func (h *Handler) handleBrowseTasks(w http.ResponseWriter, r *http.Request) {
	limit, token, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	page, err := h.Service.BrowseTasks(r.Context(), callerID(r), limit, token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleListApplicants(w http.ResponseWriter, r *http.Request) {
	limit, token, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	page, err := h.Service.ListApplicants(r.Context(), chi.URLParam(r, "taskID"), callerID(r), limit, token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	txn, err := h.Service.Apply(r.Context(), chi.URLParam(r, "taskID"), callerID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) handlePass(w http.ResponseWriter, r *http.Request) {
	txn, err := h.Service.Pass(r.Context(), chi.URLParam(r, "taskID"), callerID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

type createReferralBody struct {
	WorkerID string `json:"workerId,omitempty"`
}

func (h *Handler) handleCreateReferral(w http.ResponseWriter, r *http.Request) {
	var req createReferralBody
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.Service.CreateReferral(r.Context(), chi.URLParam(r, "taskID"), callerID(r), strings.TrimSpace(req.WorkerID))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

type createRequestBody struct {
	WorkerID string `json:"workerId"`
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestBody
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.Service.CreateRequest(r.Context(), chi.URLParam(r, "taskID"), callerID(r), strings.TrimSpace(req.WorkerID))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, token, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	persona := contracts.Persona(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("persona"))))
	page, err := h.Service.QueryTransactionsForUser(r.Context(), callerID(r), persona, limit, token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.Service.GetTransaction(r.Context(), chi.URLParam(r, "txnID"), callerID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.Service.Delete(r.Context(), chi.URLParam(r, "txnID"), callerID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleUpdateLastMessage(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.MessageInput
	if !h.decode(w, r, &req) {
		return
	}
	txn, err := h.Service.UpdateLastMessage(r.Context(), chi.URLParam(r, "txnID"), callerID(r), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.transitions()[chi.URLParam(r, "action")]
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown transaction action")
		return
	}
	txn, err := fn(r.Context(), chi.URLParam(r, "txnID"), callerID(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleListCards(w http.ResponseWriter, r *http.Request) {
	limit, token, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	page, err := h.Service.ListCards(r.Context(), callerID(r), limit, token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) pageParams(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	q := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, "", false
		}
		limit = n
	}
	return limit, q.Get("pageToken"), true
}

// writeServiceError maps lifecycle errors to status codes. Unexpected errors
// are logged and reported without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("api: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

func callerID(r *http.Request) string {
	claims, _ := r.Context().Value(claimsContextKey{}).(platformauth.Claims)
	return claims.Subject
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
