package dispatch

import (
	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/models"
)

// Backend status vocabulary. The transition endpoint accepts only the three
// ServerStatus* values; the list endpoints may return any of the raw values.
const (
	ServerStatusPending    = "PENDING"
	ServerStatusAssigned   = "ASSIGNED"
	ServerStatusProcessing = "PROCESSING"
	ServerStatusEnRoute    = "EN_ROUTE"
	ServerStatusInDelivery = "IN_DELIVERY"
	ServerStatusDelivered  = "DELIVERED"
	ServerStatusFailed     = "FAILED"
	ServerStatusCanceled   = "CANCELED"
)

// ErrNoServerStatus marks a client-only status that must never be sent to the
// backend. StatusInProgress is the known case: the backend status model has
// one fewer state than the client's.
var ErrNoServerStatus = errors.New("dispatch: status has no server equivalent")

// StatusFromServer maps a raw backend status to the client enum. Total:
// unrecognized values land on StatusAvailable.
func StatusFromServer(raw string) models.Status {
	switch raw {
	case ServerStatusPending:
		return models.StatusAvailable
	case ServerStatusAssigned, ServerStatusProcessing:
		return models.StatusAssigned
	case ServerStatusEnRoute:
		return models.StatusEnRoute
	case ServerStatusInDelivery:
		return models.StatusInProgress
	case ServerStatusDelivered:
		return models.StatusDelivered
	case ServerStatusFailed, ServerStatusCanceled:
		return models.StatusFailed
	default:
		return models.StatusAvailable
	}
}

// StatusToServer maps a client status to the backend's restricted transition
// vocabulary.
func StatusToServer(s models.Status) (string, error) {
	switch s {
	case models.StatusEnRoute:
		return ServerStatusEnRoute, nil
	case models.StatusDelivered:
		return ServerStatusDelivered, nil
	case models.StatusFailed:
		return ServerStatusFailed, nil
	default:
		return "", errors.Wrapf(ErrNoServerStatus, "status %q", s)
	}
}
