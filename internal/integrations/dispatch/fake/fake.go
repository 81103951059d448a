package fake

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/models"
)

// Client is a scripted in-memory dispatch backend for tests and offline runs.
// The zero value accepts any credentials and serves empty collections.
type Client struct {
	mu sync.Mutex

	Courier    models.Courier
	Deliveries []models.Delivery
	History    []models.HistoryEntry

	LoginErr    error
	LogoutErr   error
	ListErr     error
	StatusErr   error
	ProofErr    error
	LocationErr error

	Token string

	// Recorded calls, newest last.
	StatusCalls []StatusCall
	ProofCalls  []ProofCall
	Locations   []Location
	Logouts     int
}

type Location struct {
	Lat, Lng float64
}

type StatusCall struct {
	DeliveryID uint64
	Status     string
}

type ProofCall struct {
	DeliveryID uint64
	Filename   string
	ProofType  string
	Bytes      int64
}

func New() *Client {
	return &Client{
		Courier: models.Courier{ID: 7, Username: "jean", Email: "jean@example.com", Available: true},
		Token:   "fake-token",
	}
}

func (c *Client) Login(ctx context.Context, creds dispatch.Credentials) (dispatch.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LoginErr != nil {
		return dispatch.Session{}, c.LoginErr
	}
	if creds.Email == "" || creds.Password == "" {
		return dispatch.Session{}, errors.New("fake: empty credentials")
	}
	return dispatch.Session{Token: c.Token, Courier: c.Courier}, nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logouts++
	return c.LogoutErr
}

func (c *Client) CurrentUser(ctx context.Context) (models.Courier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LoginErr != nil {
		return models.Courier{}, c.LoginErr
	}
	return c.Courier, nil
}

func (c *Client) MyDeliveries(ctx context.Context) ([]models.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]models.Delivery, len(c.Deliveries))
	copy(out, c.Deliveries)
	return out, nil
}

func (c *Client) DeliveryHistory(ctx context.Context) ([]models.HistoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]models.HistoryEntry, len(c.History))
	copy(out, c.History)
	return out, nil
}

func (c *Client) UpdateStatus(ctx context.Context, deliveryID uint64, serverStatus string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StatusErr != nil {
		return c.StatusErr
	}
	c.StatusCalls = append(c.StatusCalls, StatusCall{DeliveryID: deliveryID, Status: serverStatus})
	return nil
}

func (c *Client) UploadProof(ctx context.Context, deliveryID uint64, filename string, image io.Reader, proofType string) error {
	n, _ := io.Copy(io.Discard, image)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ProofErr != nil {
		return c.ProofErr
	}
	c.ProofCalls = append(c.ProofCalls, ProofCall{DeliveryID: deliveryID, Filename: filename, ProofType: proofType, Bytes: n})
	return nil
}

func (c *Client) GetProof(ctx context.Context, deliveryID uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.ProofCalls {
		if p.DeliveryID == deliveryID {
			return "https://fake/proofs/" + p.Filename, nil
		}
	}
	return "", errors.New("fake: proof not found")
}

func (c *Client) UpdateLocation(ctx context.Context, lat, lng float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LocationErr != nil {
		return c.LocationErr
	}
	c.Locations = append(c.Locations, Location{Lat: lat, Lng: lng})
	return nil
}

func (c *Client) SetToken(token string) {}
