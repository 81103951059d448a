package resthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/models"
)

// Client talks to the dispatch backend over REST/JSON with bearer auth.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, errors.Wrap(err, "parse url")
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, dispatch.ErrUnauthorized
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("dispatch http %d on %s %s", resp.StatusCode, method, path)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}

type loginResp struct {
	Message string   `json:"message"`
	Token   string   `json:"token"`
	User    userWire `json:"user"`
}

func (c *Client) Login(ctx context.Context, creds dispatch.Credentials) (dispatch.Session, error) {
	var out loginResp
	err := c.doJSON(ctx, http.MethodPost, "/api/login", map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	}, &out)
	if err != nil {
		return dispatch.Session{}, err
	}
	if out.Token == "" {
		return dispatch.Session{}, &dispatch.ParseError{Entity: "login", Field: "token"}
	}
	courier, err := mapUser(out.User)
	if err != nil {
		return dispatch.Session{}, err
	}
	return dispatch.Session{Token: out.Token, Courier: courier}, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/logout", nil, nil)
}

func (c *Client) CurrentUser(ctx context.Context) (models.Courier, error) {
	var out userWire
	if err := c.doJSON(ctx, http.MethodGet, "/api/user", nil, &out); err != nil {
		return models.Courier{}, err
	}
	return mapUser(out)
}

func (c *Client) MyDeliveries(ctx context.Context) ([]models.Delivery, error) {
	var out listEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/api/deliveries/my", nil, &out); err != nil {
		return nil, err
	}

	deliveries := make([]models.Delivery, 0, len(out.Data))
	for _, w := range out.Data {
		d, err := mapOrder(w)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (c *Client) DeliveryHistory(ctx context.Context) ([]models.HistoryEntry, error) {
	var out listEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/api/deliveries/history", nil, &out); err != nil {
		return nil, err
	}

	entries := make([]models.HistoryEntry, 0, len(out.Data))
	for _, w := range out.Data {
		e, err := mapHistory(w)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Client) UpdateStatus(ctx context.Context, deliveryID uint64, serverStatus string) error {
	path := fmt.Sprintf("/api/deliveries/%d/status", deliveryID)
	return c.doJSON(ctx, http.MethodPut, path, map[string]string{"status": serverStatus}, nil)
}

func (c *Client) UploadProof(ctx context.Context, deliveryID uint64, filename string, image io.Reader, proofType string) error {
	if proofType == "" {
		proofType = dispatch.ProofTypePhoto
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("proof_image", filename)
	if err != nil {
		return errors.Wrap(err, "create form file")
	}
	if _, err := io.Copy(fw, image); err != nil {
		return errors.Wrap(err, "copy image")
	}
	if err := mw.WriteField("proof_type", proofType); err != nil {
		return errors.Wrap(err, "write proof_type")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "close multipart")
	}

	path := fmt.Sprintf("/api/deliveries/%d/proof", deliveryID)
	resp, err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) GetProof(ctx context.Context, deliveryID uint64) (string, error) {
	var out struct {
		ProofURL string `json:"proof_url"`
	}
	path := fmt.Sprintf("/api/deliveries/%d/proof", deliveryID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.ProofURL, nil
}

func (c *Client) UpdateLocation(ctx context.Context, lat, lng float64) error {
	return c.doJSON(ctx, http.MethodPost, "/api/deliveries/location", map[string]float64{
		"latitude":  lat,
		"longitude": lng,
	}, nil)
}
