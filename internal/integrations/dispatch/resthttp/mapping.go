package resthttp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/models"
)

// The backend has no avatar storage yet.
const avatarPlaceholder = "https://via.placeholder.com/150"

// listEnvelope accepts both `{"data":[...]}` and a bare array: the backend
// wraps paginated responses but not all of them.
type listEnvelope struct {
	Data []orderWire
}

func (l *listEnvelope) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(b, &l.Data)
	}
	var wrapped struct {
		Data []orderWire `json:"data"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	l.Data = wrapped.Data
	return nil
}

// decimal tolerates the backend serializing money as either a JSON number or
// a quoted decimal string.
type decimal float64

func (d *decimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*d = 0
		return nil
	}
	*d = decimal(f)
	return nil
}

type userWire struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func mapUser(w userWire) (models.Courier, error) {
	if w.ID == 0 {
		return models.Courier{}, &dispatch.ParseError{Entity: "user", Field: "id"}
	}
	if w.Email == "" {
		return models.Courier{}, &dispatch.ParseError{Entity: "user", Field: "email"}
	}
	return models.Courier{
		ID:        w.ID,
		Username:  w.Name,
		Email:     w.Email,
		Phone:     w.Phone,
		Address:   w.Address,
		AvatarURL: avatarPlaceholder,
		Online:    true,
		Available: true,
	}, nil
}

type orderWire struct {
	ID          uint64 `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`

	UserID            uint64 `json:"user_id"`
	CustomerName      string `json:"customer_name"`
	CustomerFirstName string `json:"customer_first_name"`
	CustomerLastName  string `json:"customer_last_name"`
	CustomerPhone     string `json:"customer_phone"`

	ShippingAddress string `json:"shipping_address"`
	ShippingCity    string `json:"shipping_city"`
	ShippingZipcode string `json:"shipping_zipcode"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	Total decimal `json:"total"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`

	DeliveryUserID uint64 `json:"delivery_user_id"`
}

func (w orderWire) customerName() string {
	if w.CustomerName != "" {
		return w.CustomerName
	}
	return strings.TrimSpace(w.CustomerFirstName + " " + w.CustomerLastName)
}

func (w orderWire) displayAddress() string {
	if w.ShippingAddress != "" {
		return w.ShippingAddress
	}
	parts := make([]string, 0, 2)
	if w.ShippingCity != "" {
		parts = append(parts, w.ShippingCity)
	}
	if w.ShippingZipcode != "" {
		parts = append(parts, w.ShippingZipcode)
	}
	return strings.Join(parts, " ")
}

func mapOrder(w orderWire) (models.Delivery, error) {
	if w.ID == 0 {
		return models.Delivery{}, &dispatch.ParseError{Entity: "order", Field: "id"}
	}
	if w.OrderNumber == "" {
		return models.Delivery{}, &dispatch.ParseError{Entity: "order", Field: "order_number"}
	}

	ordered := parseTime(w.CreatedAt)
	return models.Delivery{
		ID:              w.ID,
		OrderNumber:     w.OrderNumber,
		Status:          dispatch.StatusFromServer(w.Status),
		CustomerID:      w.UserID,
		CustomerName:    w.customerName(),
		CustomerPhone:   w.CustomerPhone,
		DeliveryAddress: w.displayAddress(),
		Latitude:        w.Latitude,
		Longitude:       w.Longitude,
		TotalAmount:     float64(w.Total),
		OrderedAt:       ordered,
		// The backend does not expose an expected-delivery time yet.
		ExpectedAt: ordered,
		CourierID:  w.DeliveryUserID,
	}, nil
}

func mapHistory(w orderWire) (models.HistoryEntry, error) {
	if w.ID == 0 {
		return models.HistoryEntry{}, &dispatch.ParseError{Entity: "order", Field: "id"}
	}

	final := models.StatusFailed
	if w.Status == dispatch.ServerStatusDelivered {
		final = models.StatusDelivered
	}

	completedAt := parseTime(w.UpdatedAt)
	if completedAt.IsZero() {
		completedAt = parseTime(w.CreatedAt)
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	orderNumber := w.OrderNumber
	if orderNumber == "" {
		orderNumber = "N/A"
	}

	return models.HistoryEntry{
		ID:              w.ID,
		DeliveryID:      w.ID,
		CourierID:       w.DeliveryUserID,
		FinalStatus:     final,
		DeliveredAt:     completedAt,
		OrderNumber:     orderNumber,
		CustomerName:    w.customerName(),
		DeliveryAddress: w.displayAddress(),
		TotalAmount:     float64(w.Total),
	}, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
