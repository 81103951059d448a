package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/models"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("dispatch: unauthorized")

type Credentials struct {
	Email    string
	Password string
}

type Session struct {
	Token   string
	Courier models.Courier
}

const (
	ProofTypePhoto     = "photo"
	ProofTypeSignature = "signature"
	ProofTypeQR        = "qr"
)

// Client is the remote dispatch backend as the agent sees it.
type Client interface {
	Login(ctx context.Context, creds Credentials) (Session, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (models.Courier, error)

	MyDeliveries(ctx context.Context) ([]models.Delivery, error)
	DeliveryHistory(ctx context.Context) ([]models.HistoryEntry, error)

	// UpdateStatus sends one of the backend's transition values
	// (ServerStatusEnRoute, ServerStatusDelivered, ServerStatusFailed).
	UpdateStatus(ctx context.Context, deliveryID uint64, serverStatus string) error

	UploadProof(ctx context.Context, deliveryID uint64, filename string, image io.Reader, proofType string) error
	GetProof(ctx context.Context, deliveryID uint64) (string, error)

	UpdateLocation(ctx context.Context, lat, lng float64) error

	// SetToken installs (or clears, with "") the bearer token for
	// subsequent calls.
	SetToken(token string)
}

// ParseError tags a backend payload that failed shape validation. Untrusted
// JSON is converted to typed entities in exactly one place; a payload with no
// usable identity fails loudly instead of defaulting.
type ParseError struct {
	Entity string
	Field  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("dispatch: %s payload missing %s", e.Entity, e.Field)
}
