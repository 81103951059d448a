package localstate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/storage"
)

const (
	keyAssigned     = "deliveries:assigned"
	keyProofs       = "deliveries:proofs"
	keyProofsFailed = "deliveries:proofs_failed"
	keyToken        = "session:token"
)

// Store is the local persistence adapter: the courier's in-flight work and
// session token survive agent restarts without a live backend connection.
// Each operation serializes a whole collection to one key, so cost is linear
// in collection size. Read failures degrade to empty state; write failures
// propagate.
type Store struct {
	kv storage.KV
}

func New(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// SaveAssignedDeliveries replaces the persisted collection.
func (s *Store) SaveAssignedDeliveries(ctx context.Context, deliveries []models.Delivery) error {
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	b, err := json.Marshal(deliveries)
	if err != nil {
		return errors.Wrap(err, "marshal assigned deliveries")
	}
	if err := s.kv.Set(ctx, keyAssigned, b); err != nil {
		return errors.Wrap(err, "save assigned deliveries")
	}
	return nil
}

func (s *Store) GetAssignedDeliveries(ctx context.Context) []models.Delivery {
	b, ok, err := s.kv.Get(ctx, keyAssigned)
	if err != nil {
		slog.Error("load assigned deliveries", "err", err)
		return []models.Delivery{}
	}
	if !ok {
		return []models.Delivery{}
	}
	var out []models.Delivery
	if err := json.Unmarshal(b, &out); err != nil {
		slog.Error("decode assigned deliveries", "err", err)
		return []models.Delivery{}
	}
	return out
}

// UpsertAssignedDelivery updates the record with the same id, or appends.
func (s *Store) UpsertAssignedDelivery(ctx context.Context, d models.Delivery) error {
	deliveries := s.GetAssignedDeliveries(ctx)
	found := false
	for i := range deliveries {
		if deliveries[i].ID == d.ID {
			deliveries[i] = d
			found = true
			break
		}
	}
	if !found {
		deliveries = append(deliveries, d)
	}
	return s.SaveAssignedDeliveries(ctx, deliveries)
}

// RemoveAssignedDelivery drops a completed delivery from the persisted set.
func (s *Store) RemoveAssignedDelivery(ctx context.Context, deliveryID uint64) error {
	deliveries := s.GetAssignedDeliveries(ctx)
	filtered := deliveries[:0]
	for _, d := range deliveries {
		if d.ID != deliveryID {
			filtered = append(filtered, d)
		}
	}
	return s.SaveAssignedDeliveries(ctx, filtered)
}

func (s *Store) SaveDeliveryProof(ctx context.Context, deliveryID uint64, ref string) error {
	proofs := s.GetAllProofs(ctx)
	proofs[deliveryID] = ref
	b, err := json.Marshal(proofs)
	if err != nil {
		return errors.Wrap(err, "marshal proofs")
	}
	if err := s.kv.Set(ctx, keyProofs, b); err != nil {
		return errors.Wrap(err, "save proof")
	}
	return nil
}

func (s *Store) GetDeliveryProof(ctx context.Context, deliveryID uint64) (string, bool) {
	ref, ok := s.GetAllProofs(ctx)[deliveryID]
	return ref, ok
}

func (s *Store) GetAllProofs(ctx context.Context) map[uint64]string {
	b, ok, err := s.kv.Get(ctx, keyProofs)
	if err != nil {
		slog.Error("load proofs", "err", err)
		return map[uint64]string{}
	}
	if !ok {
		return map[uint64]string{}
	}
	out := map[uint64]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		slog.Error("decode proofs", "err", err)
		return map[uint64]string{}
	}
	return out
}

// SaveFailedProofUploads replaces the set of proofs whose backend upload has
// not succeeded yet. Kept beside the proof refs so a restart cannot turn an
// unconfirmed proof into a completable one.
func (s *Store) SaveFailedProofUploads(ctx context.Context, failed map[uint64]bool) error {
	if failed == nil {
		failed = map[uint64]bool{}
	}
	b, err := json.Marshal(failed)
	if err != nil {
		return errors.Wrap(err, "marshal failed proof uploads")
	}
	if err := s.kv.Set(ctx, keyProofsFailed, b); err != nil {
		return errors.Wrap(err, "save failed proof uploads")
	}
	return nil
}

func (s *Store) GetFailedProofUploads(ctx context.Context) map[uint64]bool {
	b, ok, err := s.kv.Get(ctx, keyProofsFailed)
	if err != nil {
		slog.Error("load failed proof uploads", "err", err)
		return map[uint64]bool{}
	}
	if !ok {
		return map[uint64]bool{}
	}
	out := map[uint64]bool{}
	if err := json.Unmarshal(b, &out); err != nil {
		slog.Error("decode failed proof uploads", "err", err)
		return map[uint64]bool{}
	}
	return out
}

func (s *Store) SaveToken(ctx context.Context, token string) error {
	if token == "" {
		if err := s.kv.Del(ctx, keyToken); err != nil {
			return errors.Wrap(err, "clear token")
		}
		return nil
	}
	if err := s.kv.Set(ctx, keyToken, []byte(token)); err != nil {
		return errors.Wrap(err, "save token")
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context) string {
	b, ok, err := s.kv.Get(ctx, keyToken)
	if err != nil {
		slog.Error("load token", "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return string(b)
}

// ClearAll wipes everything persisted, used on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.kv.Del(ctx, keyAssigned, keyProofs, keyProofsFailed, keyToken); err != nil {
		return errors.Wrap(err, "clear storage")
	}
	return nil
}
