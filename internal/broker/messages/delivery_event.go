package messages

import "time"

// Event types mirror the notification types shown to the courier.
const (
	EventNewDelivery   = "nouvelle_livraison"
	EventStatusChanged = "changement_statut"
	EventReminder      = "rappel"
)

// DeliveryEvent is what the backend publishes on the delivery events topic.
// CourierID zero means a broadcast (an unassigned delivery became available).
type DeliveryEvent struct {
	Type       string    `json:"type"`
	DeliveryID uint64    `json:"delivery_id,omitempty"`
	CourierID  uint64    `json:"courier_id,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}
