package models

import "time"

// Status is the client-side delivery status. StatusInProgress exists only on
// the client: the backend status vocabulary has no value for it.
type Status string

const (
	StatusAvailable  Status = "disponible"
	StatusAssigned   Status = "assignee"
	StatusEnRoute    Status = "en_route"
	StatusInProgress Status = "en_cours"
	StatusDelivered  Status = "livre"
	StatusFailed     Status = "echec"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Delivery is one order requiring courier fulfillment. Entities are created
// server-side; the client only reads and transitions them.
type Delivery struct {
	ID          uint64 `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      Status `json:"status"`

	CustomerID      uint64  `json:"customer_id"`
	CustomerName    string  `json:"customer_name"`
	CustomerPhone   string  `json:"customer_phone"`
	DeliveryAddress string  `json:"delivery_address"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`

	TotalAmount float64 `json:"total_amount"`

	OrderedAt  time.Time `json:"ordered_at"`
	ExpectedAt time.Time `json:"expected_at"`

	ProofPhotoURL *string `json:"proof_photo_url,omitempty"`

	// CourierID is zero while the delivery is still available.
	CourierID uint64 `json:"courier_id,omitempty"`
}

// ConsistentOwnership checks the store invariant: a courier is set
// if and only if the delivery has left the available state.
func (d Delivery) ConsistentOwnership() bool {
	if d.Status == StatusAvailable {
		return d.CourierID == 0
	}
	return d.CourierID != 0
}

// Courier never carries a password in any representation handed to callers.
type Courier struct {
	ID        uint64 `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	AvatarURL string `json:"avatar_url"`
	Online    bool   `json:"online"`
	Available bool   `json:"available"`
}

const (
	NotificationNewDelivery   = "nouvelle_livraison"
	NotificationStatusChanged = "changement_statut"
	NotificationReminder      = "rappel"
)

type Notification struct {
	ID         uint64    `json:"id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
	DeliveryID uint64    `json:"delivery_id,omitempty"`
	CourierID  uint64    `json:"courier_id"`
	Read       bool      `json:"read"`
}

// HistoryEntry is an immutable record of a terminal outcome. It snapshots the
// display fields so the UI does not need to re-fetch an archived delivery.
type HistoryEntry struct {
	ID          uint64    `json:"id"`
	DeliveryID  uint64    `json:"delivery_id"`
	CourierID   uint64    `json:"courier_id"`
	FinalStatus Status    `json:"final_status"`
	DeliveredAt time.Time `json:"delivered_at"`

	OrderNumber     string  `json:"order_number"`
	CustomerName    string  `json:"customer_name"`
	DeliveryAddress string  `json:"delivery_address"`
	TotalAmount     float64 `json:"total_amount"`

	ProofPhotoURL *string `json:"proof_photo_url,omitempty"`
}
