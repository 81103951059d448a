package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/models"
)

var ErrNotAuthenticated = errors.New("session: not authenticated")

type TokenStore interface {
	SaveToken(ctx context.Context, token string) error
	GetToken(ctx context.Context) string
}

// Holder owns the bearer token and current courier profile and gates every
// delivery operation behind them.
type Holder struct {
	client dispatch.Client
	tokens TokenStore

	mu      sync.RWMutex
	token   string
	courier *models.Courier
}

func New(client dispatch.Client, tokens TokenStore) *Holder {
	return &Holder{client: client, tokens: tokens}
}

func (h *Holder) Login(ctx context.Context, email, password string) (models.Courier, error) {
	if email == "" || password == "" {
		return models.Courier{}, errors.New("email and password are required")
	}

	sess, err := h.client.Login(ctx, dispatch.Credentials{Email: email, Password: password})
	if err != nil {
		return models.Courier{}, errors.Wrap(err, "login")
	}

	h.client.SetToken(sess.Token)
	if err := h.tokens.SaveToken(ctx, sess.Token); err != nil {
		// Session stays usable in memory; only restart survival is lost.
		slog.Error("persist token", "err", err)
	}

	h.mu.Lock()
	h.token = sess.Token
	courier := sess.Courier
	h.courier = &courier
	h.mu.Unlock()

	return sess.Courier, nil
}

// Logout makes a best-effort remote invalidation call, then unconditionally
// clears the local session.
func (h *Holder) Logout(ctx context.Context) {
	if h.Authenticated() {
		if err := h.client.Logout(ctx); err != nil {
			slog.Warn("remote logout failed", "err", err)
		}
	}

	h.client.SetToken("")
	if err := h.tokens.SaveToken(ctx, ""); err != nil {
		slog.Error("clear persisted token", "err", err)
	}

	h.mu.Lock()
	h.token = ""
	h.courier = nil
	h.mu.Unlock()
}

// Restore picks up a persisted token on agent start and validates it against
// the backend. Validation failure is logged but does not drop the token: the
// next authenticated call will surface the problem.
func (h *Holder) Restore(ctx context.Context) {
	token := h.tokens.GetToken(ctx)
	if token == "" {
		return
	}

	if expired, ok := tokenExpired(token); ok && expired {
		slog.Warn("persisted token is expired, keeping it until the backend rejects it")
	}

	h.client.SetToken(token)
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()

	courier, err := h.client.CurrentUser(ctx)
	if err != nil {
		slog.Warn("session refresh failed", "err", err)
		return
	}

	h.mu.Lock()
	h.courier = &courier
	h.mu.Unlock()
}

// tokenExpired inspects exp when the token happens to be a JWT. The claim is
// not verified; it only lets us log early. Opaque tokens return ok=false.
func tokenExpired(token string) (expired, ok bool) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return false, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, false
	}
	return exp.Before(time.Now()), true
}

func (h *Holder) Authenticated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token != ""
}

func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Courier returns the current profile, or false when no profile is loaded.
func (h *Holder) Courier() (models.Courier, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.courier == nil {
		return models.Courier{}, false
	}
	return *h.courier, true
}

// CourierID returns the current courier id, or 0 when unauthenticated.
func (h *Holder) CourierID() uint64 {
	c, ok := h.Courier()
	if !ok {
		return 0
	}
	return c.ID
}
