// Package courierapi exposes the agent's local HTTP surface. It is what a
// mobile shell or a curl session talks to; everything it serves comes from
// the in-process services, never straight from the dispatch backend.
package courierapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/deliveries"
	"github.com/BearBump/CourierBox/internal/services/locations"
	"github.com/BearBump/CourierBox/internal/services/notifications"
	"github.com/BearBump/CourierBox/internal/services/session"
)

const maxProofUploadBytes = 10 << 20

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Opts struct {
	ProofDir           string
	RateLimitPerMinute int64
	Limiter            RateLimiter
}

type API struct {
	sessions      *session.Holder
	deliveries    *deliveries.Service
	notifications *notifications.Center
	locations     *locations.Reporter
	opts          Opts
}

func New(sessions *session.Holder, dlv *deliveries.Service, nc *notifications.Center, loc *locations.Reporter, opts Opts) *API {
	if opts.ProofDir == "" {
		opts.ProofDir = os.TempDir()
	}
	return &API{
		sessions:      sessions,
		deliveries:    dlv,
		notifications: nc,
		locations:     loc,
		opts:          opts,
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Get("/stats", a.handleStats)

	r.Post("/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		if a.opts.Limiter != nil && a.opts.RateLimitPerMinute > 0 {
			r.Use(a.rateLimitMiddleware)
		}

		r.Post("/logout", a.handleLogout)
		r.Get("/session", a.handleSession)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", a.handleListDeliveries)
			r.Post("/refresh", a.handleRefresh)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetDelivery)
				r.Post("/claim", a.transitionHandler(a.deliveries.Claim))
				r.Post("/route", a.transitionHandler(a.deliveries.StartRoute))
				r.Post("/start", a.transitionHandler(a.deliveries.StartDelivery))
				r.Post("/complete", a.transitionHandler(a.deliveries.Complete))
				r.Post("/fail", a.transitionHandler(a.deliveries.MarkFailed))
				r.Post("/proof", a.handleUploadProof)
				r.Get("/proof", a.handleGetProof)
			})
		})

		r.Get("/history", a.handleHistory)
		r.Post("/history/refresh", a.handleHistoryRefresh)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", a.handleListNotifications)
			r.Post("/{id}/read", a.handleMarkRead)
			r.Post("/read-all", a.handleMarkAllRead)
		})

		r.Post("/location", a.handleLocation)
	})

	return r
}

// rateLimitMiddleware throttles per courier (falls back to the remote addr
// before login). Counting happens in redis so several agents sharing an
// instance get one budget per identity.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "api:" + r.RemoteAddr
		if id := a.sessions.CourierID(); id != 0 {
			key = "api:" + strconv.FormatUint(id, 10)
		}
		key += ":" + time.Now().UTC().Format("200601021504")

		allowed, n, err := a.opts.Limiter.Allow(r.Context(), key, a.opts.RateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Error("rate limit check", "error", err.Error())
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			slog.Warn("rate limit exceeded", "key", key, "count", n)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, deliveries.ErrNotAuthenticated),
		errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, dispatch.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, deliveries.ErrOwnership):
		code = http.StatusForbidden
	case errors.Is(err, deliveries.ErrNotFound),
		errors.Is(err, notifications.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, deliveries.ErrAlreadyClaimed),
		errors.Is(err, deliveries.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, deliveries.ErrMissingProof),
		errors.Is(err, deliveries.ErrProofNotUploaded):
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func deliveryID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.Wrap(deliveries.ErrNotFound, "bad delivery id")
	}
	return id, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Authenticated bool            `json:"authenticated"`
	Courier       *models.Courier `json:"courier,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	courier, err := a.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	a.deliveries.LoadPersisted(r.Context())
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, Courier: &courier})
}

// handleLogout tears the whole session down: remote logout is best-effort,
// local state always goes.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.sessions.Logout(r.Context())
	if err := a.deliveries.Reset(r.Context()); err != nil {
		slog.Error("reset deliveries on logout", "error", err.Error())
	}
	a.notifications.Reset()
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Authenticated: a.sessions.Authenticated()}
	if c, ok := a.sessions.Courier(); ok {
		resp.Courier = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deliveries.Assigned())
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.deliveries.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.deliveries.Assigned())
}

func (a *API) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := deliveryID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := a.deliveries.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) transitionHandler(op func(ctx context.Context, id uint64) (models.Delivery, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := deliveryID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		d, err := op(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// handleUploadProof drains the multipart photo to the agent's proof dir and
// records it against the delivery. The file keeps living locally even when
// the backend upload fails, so a retry does not need the camera again.
func (a *API) handleUploadProof(w http.ResponseWriter, r *http.Request) {
	id, err := deliveryID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := r.ParseMultipartForm(maxProofUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart body"})
		return
	}
	file, hdr, err := r.FormFile("proof_image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "proof_image file is required"})
		return
	}
	defer file.Close()

	ext := filepath.Ext(hdr.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	localPath := filepath.Join(a.opts.ProofDir, uuid.NewString()+ext)

	dst, err := os.Create(localPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "store proof photo: " + err.Error()})
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.Remove(localPath)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "store proof photo: " + err.Error()})
		return
	}
	if err := dst.Close(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "store proof photo: " + err.Error()})
		return
	}

	if err := a.deliveries.AttachProof(r.Context(), id, localPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proof": localPath})
}

// handleGetProof serves the locally attached photo reference, falling back to
// the backend's stored proof for deliveries handled elsewhere.
func (a *API) handleGetProof(w http.ResponseWriter, r *http.Request) {
	id, err := deliveryID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ref, err := a.deliveries.ProofRef(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proof": ref})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deliveries.History())
}

func (a *API) handleHistoryRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.deliveries.RefreshHistory(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.deliveries.History())
}

type notificationsResponse struct {
	Unread int                   `json:"unread"`
	Items  []models.Notification `json:"items"`
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, notificationsResponse{
		Unread: a.notifications.Unread(),
		Items:  a.notifications.List(),
	})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, notifications.ErrNotFound)
		return
	}
	if err := a.notifications.MarkRead(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	a.notifications.MarkAllRead()
	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (a *API) handleLocation(w http.ResponseWriter, r *http.Request) {
	if !a.sessions.Authenticated() {
		writeError(w, session.ErrNotAuthenticated)
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	a.locations.SetPosition(req.Latitude, req.Longitude)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

type statsResponse struct {
	Authenticated bool            `json:"authenticated"`
	Assigned      int             `json:"assigned"`
	Unread        int             `json:"unread"`
	Location      locations.Stats `json:"location"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Authenticated: a.sessions.Authenticated(),
		Assigned:      len(a.deliveries.Assigned()),
		Unread:        a.notifications.Unread(),
		Location:      a.locations.Stats(),
	})
}
