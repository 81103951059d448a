package deliveries

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/models"
)

// Guard failures are distinguishable from each other and from network
// failures: a failed guard leaves state untouched and issues no remote call.
var (
	ErrNotFound          = errors.New("delivery not found")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrAlreadyClaimed    = errors.New("delivery already has a courier")
	ErrOwnership         = errors.New("delivery belongs to another courier")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrMissingProof      = errors.New("no photo proof recorded for delivery")
	ErrProofNotUploaded  = errors.New("photo proof upload failed, not confirmed by backend")
)

// Identity is the slice of the session holder the lifecycle manager needs.
type Identity interface {
	CourierID() uint64
}

// Store is the slice of the local persistence adapter the manager writes to.
type Store interface {
	SaveAssignedDeliveries(ctx context.Context, deliveries []models.Delivery) error
	GetAssignedDeliveries(ctx context.Context) []models.Delivery
	UpsertAssignedDelivery(ctx context.Context, d models.Delivery) error
	RemoveAssignedDelivery(ctx context.Context, deliveryID uint64) error
	SaveDeliveryProof(ctx context.Context, deliveryID uint64, ref string) error
	GetAllProofs(ctx context.Context) map[uint64]string
	SaveFailedProofUploads(ctx context.Context, failed map[uint64]bool) error
	GetFailedProofUploads(ctx context.Context) map[uint64]bool
	ClearAll(ctx context.Context) error
}

// Notifier receives locally derived status-change events. May be nil.
type Notifier interface {
	StatusChanged(d models.Delivery, from models.Status)
}

// Producer announces status changes on the broker so the rest of the platform
// sees transitions the REST API never carries (claim, arrival). May be nil.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Service owns the authoritative in-memory set of the courier's deliveries,
// applies state transitions and reconciles with the backend. Mutations replace
// whole records; a refresh racing an in-flight transition is last-write-wins.
type Service struct {
	client   dispatch.Client
	store    Store
	identity Identity
	notifier Notifier

	producer    Producer
	eventsTopic string

	mu           sync.Mutex
	assigned     []models.Delivery
	proofs       map[uint64]string
	uploadFailed map[uint64]bool
	history      []models.HistoryEntry
}

func New(client dispatch.Client, store Store, identity Identity, notifier Notifier) *Service {
	return &Service{
		client:       client,
		store:        store,
		identity:     identity,
		notifier:     notifier,
		proofs:       map[uint64]string{},
		uploadFailed: map[uint64]bool{},
	}
}

// WithProducer makes every status change also go out on the given topic.
func (s *Service) WithProducer(p Producer, topic string) *Service {
	s.producer = p
	s.eventsTopic = topic
	return s
}

// LoadPersisted restores in-flight work saved by a previous run, including
// which proof uploads the backend never confirmed.
func (s *Service) LoadPersisted(ctx context.Context) {
	assigned := s.store.GetAssignedDeliveries(ctx)
	proofs := s.store.GetAllProofs(ctx)
	failed := s.store.GetFailedProofUploads(ctx)

	s.mu.Lock()
	s.assigned = assigned
	s.proofs = proofs
	s.uploadFailed = failed
	s.mu.Unlock()
}

// Refresh replaces the in-memory collection with the backend's view. It does
// not merge against local edits; callers should not refresh while a
// transition is in flight, or must accept that the refresh wins.
func (s *Service) Refresh(ctx context.Context) error {
	me := s.identity.CourierID()
	if me == 0 {
		return ErrNotAuthenticated
	}

	deliveries, err := s.client.MyDeliveries(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch deliveries")
	}

	// The my-deliveries endpoint can omit the assignee on rows that are
	// implicitly ours.
	for i := range deliveries {
		if deliveries[i].CourierID == 0 && deliveries[i].Status != models.StatusAvailable {
			deliveries[i].CourierID = me
		}
	}

	s.mu.Lock()
	s.assigned = deliveries
	s.mu.Unlock()

	if err := s.store.SaveAssignedDeliveries(ctx, deliveries); err != nil {
		slog.Error("persist refreshed deliveries", "err", err)
	}
	return nil
}

// Assigned returns a copy of the current collection.
func (s *Service) Assigned() []models.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Delivery, len(s.assigned))
	copy(out, s.assigned)
	return out
}

func (s *Service) Get(id uint64) (models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, _, err := s.findLocked(id)
	return d, err
}

func (s *Service) findLocked(id uint64) (models.Delivery, int, error) {
	for i, d := range s.assigned {
		if d.ID == id {
			return d, i, nil
		}
	}
	return models.Delivery{}, -1, ErrNotFound
}

// Claim takes an available delivery for the current courier. There is no
// backend endpoint for self-assignment yet; the claim is local state only.
func (s *Service) Claim(ctx context.Context, id uint64) (models.Delivery, error) {
	me := s.identity.CourierID()
	if me == 0 {
		return models.Delivery{}, ErrNotAuthenticated
	}

	s.mu.Lock()
	d, i, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	if d.CourierID != 0 {
		s.mu.Unlock()
		return models.Delivery{}, ErrAlreadyClaimed
	}
	if d.Status != models.StatusAvailable {
		s.mu.Unlock()
		return models.Delivery{}, ErrInvalidTransition
	}

	from := d.Status
	d.Status = models.StatusAssigned
	d.CourierID = me
	s.assigned[i] = d
	s.mu.Unlock()

	s.persistAndNotify(ctx, d, from)
	return d, nil
}

// StartRoute moves an assigned delivery to en_route and tells the backend.
func (s *Service) StartRoute(ctx context.Context, id uint64) (models.Delivery, error) {
	return s.transition(ctx, id, models.StatusAssigned, models.StatusEnRoute, true)
}

// StartDelivery marks arrival at the customer. The backend has no status for
// this phase, so the change is local only.
func (s *Service) StartDelivery(ctx context.Context, id uint64) (models.Delivery, error) {
	return s.transition(ctx, id, models.StatusEnRoute, models.StatusInProgress, false)
}

// Complete marks the delivery delivered. Refused until a photo proof is
// recorded and its upload has not failed; nothing is sent to the backend on a
// refused guard.
func (s *Service) Complete(ctx context.Context, id uint64) (models.Delivery, error) {
	me := s.identity.CourierID()
	if me == 0 {
		return models.Delivery{}, ErrNotAuthenticated
	}

	s.mu.Lock()
	d, _, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	if d.CourierID != me {
		s.mu.Unlock()
		return models.Delivery{}, ErrOwnership
	}
	if d.Status != models.StatusInProgress {
		s.mu.Unlock()
		return models.Delivery{}, ErrInvalidTransition
	}
	if _, ok := s.proofs[id]; !ok {
		s.mu.Unlock()
		return models.Delivery{}, ErrMissingProof
	}
	if s.uploadFailed[id] {
		s.mu.Unlock()
		return models.Delivery{}, ErrProofNotUploaded
	}
	s.mu.Unlock()

	if err := s.client.UpdateStatus(ctx, id, dispatch.ServerStatusDelivered); err != nil {
		return models.Delivery{}, errors.Wrap(err, "update status")
	}

	s.mu.Lock()
	d, i, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	from := d.Status
	d.Status = models.StatusDelivered
	if ref, ok := s.proofs[id]; ok && d.ProofPhotoURL == nil {
		r := ref
		d.ProofPhotoURL = &r
	}
	s.assigned[i] = d
	s.history = append(s.history, historyFrom(d))
	s.mu.Unlock()

	// Completed work leaves the persisted in-flight set.
	if err := s.store.RemoveAssignedDelivery(ctx, id); err != nil {
		slog.Error("remove completed delivery", "err", err)
	}
	s.notify(ctx, d, from)
	return d, nil
}

// MarkFailed records a failed delivery attempt, allowed while en route or at
// the customer.
func (s *Service) MarkFailed(ctx context.Context, id uint64) (models.Delivery, error) {
	me := s.identity.CourierID()
	if me == 0 {
		return models.Delivery{}, ErrNotAuthenticated
	}

	s.mu.Lock()
	d, _, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	if d.CourierID != me {
		s.mu.Unlock()
		return models.Delivery{}, ErrOwnership
	}
	if d.Status != models.StatusEnRoute && d.Status != models.StatusInProgress {
		s.mu.Unlock()
		return models.Delivery{}, ErrInvalidTransition
	}
	s.mu.Unlock()

	if err := s.client.UpdateStatus(ctx, id, dispatch.ServerStatusFailed); err != nil {
		return models.Delivery{}, errors.Wrap(err, "update status")
	}

	s.mu.Lock()
	d, i, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	from := d.Status
	d.Status = models.StatusFailed
	s.assigned[i] = d
	s.history = append(s.history, historyFrom(d))
	s.mu.Unlock()

	s.persistAndNotify(ctx, d, from)
	return d, nil
}

// transition applies an ownership-guarded single-step move. When remote is
// set, the backend is told first and a failure leaves local state unchanged.
func (s *Service) transition(ctx context.Context, id uint64, from, to models.Status, remote bool) (models.Delivery, error) {
	me := s.identity.CourierID()
	if me == 0 {
		return models.Delivery{}, ErrNotAuthenticated
	}

	s.mu.Lock()
	d, _, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	if d.CourierID != me {
		s.mu.Unlock()
		return models.Delivery{}, ErrOwnership
	}
	if d.Status != from {
		s.mu.Unlock()
		return models.Delivery{}, ErrInvalidTransition
	}
	s.mu.Unlock()

	if remote {
		serverStatus, err := dispatch.StatusToServer(to)
		if err != nil {
			return models.Delivery{}, err
		}
		if err := s.client.UpdateStatus(ctx, id, serverStatus); err != nil {
			return models.Delivery{}, errors.Wrap(err, "update status")
		}
	}

	s.mu.Lock()
	d, i, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return models.Delivery{}, err
	}
	prev := d.Status
	d.Status = to
	s.assigned[i] = d
	s.mu.Unlock()

	s.persistAndNotify(ctx, d, prev)
	return d, nil
}

func (s *Service) persistAndNotify(ctx context.Context, d models.Delivery, from models.Status) {
	if err := s.store.UpsertAssignedDelivery(ctx, d); err != nil {
		// In-memory state already moved; memory and disk may diverge here.
		slog.Error("persist delivery", "id", d.ID, "err", err)
	}
	s.notify(ctx, d, from)
}

// notify fans a status change out to the local notification center and, when
// a producer is wired, to the delivery events topic. Publishing is
// best-effort: a broker outage must not roll back a transition.
func (s *Service) notify(ctx context.Context, d models.Delivery, from models.Status) {
	if d.Status == from {
		return
	}
	if s.notifier != nil {
		s.notifier.StatusChanged(d, from)
	}
	if s.producer == nil {
		return
	}
	ev := messages.DeliveryEvent{
		Type:       messages.EventStatusChanged,
		DeliveryID: d.ID,
		CourierID:  d.CourierID,
		Message:    fmt.Sprintf("Commande %s: %s", d.OrderNumber, d.Status),
		OccurredAt: time.Now().UTC(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal delivery event", "id", d.ID, "err", err)
		return
	}
	key := strconv.FormatUint(d.ID, 10)
	if err := s.producer.Publish(ctx, s.eventsTopic, []byte(key), b); err != nil {
		slog.Error("publish delivery event", "id", d.ID, "err", err)
	}
}

// AttachProof records a local photo reference for the delivery, persists it,
// then uploads it. The local reference survives a failed upload so the UI can
// still show the photo, but completion stays blocked until an upload succeeds.
func (s *Service) AttachProof(ctx context.Context, id uint64, localPath string) error {
	me := s.identity.CourierID()
	if me == 0 {
		return ErrNotAuthenticated
	}

	s.mu.Lock()
	d, i, err := s.findLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if d.CourierID != me {
		s.mu.Unlock()
		return ErrOwnership
	}
	s.proofs[id] = localPath
	ref := localPath
	d.ProofPhotoURL = &ref
	s.assigned[i] = d
	s.mu.Unlock()

	if err := s.store.SaveDeliveryProof(ctx, id, localPath); err != nil {
		slog.Error("persist proof", "id", id, "err", err)
	}
	if err := s.store.UpsertAssignedDelivery(ctx, d); err != nil {
		slog.Error("persist delivery", "id", id, "err", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		s.setUploadFailed(ctx, id, true)
		return errors.Wrap(err, "open proof file")
	}
	defer f.Close()

	if err := s.client.UploadProof(ctx, id, filepath.Base(localPath), f, dispatch.ProofTypePhoto); err != nil {
		s.setUploadFailed(ctx, id, true)
		return errors.Wrap(err, "upload proof")
	}
	s.setUploadFailed(ctx, id, false)
	return nil
}

// setUploadFailed flips the completion block and persists the whole set, so
// an unconfirmed upload still blocks completion after a restart.
func (s *Service) setUploadFailed(ctx context.Context, id uint64, failed bool) {
	s.mu.Lock()
	if failed {
		s.uploadFailed[id] = true
	} else {
		delete(s.uploadFailed, id)
	}
	snapshot := make(map[uint64]bool, len(s.uploadFailed))
	for k, v := range s.uploadFailed {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := s.store.SaveFailedProofUploads(ctx, snapshot); err != nil {
		slog.Error("persist failed proof uploads", "id", id, "err", err)
	}
}

// Proof returns the locally recorded proof reference, if any.
func (s *Service) Proof(id uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.proofs[id]
	return ref, ok
}

// ProofRef resolves the proof reference for display: the local photo when one
// was attached on this device, otherwise whatever the backend has on file
// (history items from another device or a wiped install).
func (s *Service) ProofRef(ctx context.Context, id uint64) (string, error) {
	if s.identity.CourierID() == 0 {
		return "", ErrNotAuthenticated
	}
	if ref, ok := s.Proof(id); ok {
		return ref, nil
	}
	url, err := s.client.GetProof(ctx, id)
	if err != nil {
		return "", errors.Wrap(err, "fetch proof")
	}
	return url, nil
}

// RefreshHistory replaces the cached history with the backend's view.
func (s *Service) RefreshHistory(ctx context.Context) error {
	if s.identity.CourierID() == 0 {
		return ErrNotAuthenticated
	}
	entries, err := s.client.DeliveryHistory(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch history")
	}
	s.mu.Lock()
	s.history = entries
	s.mu.Unlock()
	return nil
}

func (s *Service) History() []models.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Reset wipes all delivery state, memory and disk. Called on logout.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.assigned = nil
	s.proofs = map[uint64]string{}
	s.uploadFailed = map[uint64]bool{}
	s.history = nil
	s.mu.Unlock()

	if err := s.store.ClearAll(ctx); err != nil {
		return errors.Wrap(err, "clear persisted state")
	}
	return nil
}

func historyFrom(d models.Delivery) models.HistoryEntry {
	return models.HistoryEntry{
		ID:              d.ID,
		DeliveryID:      d.ID,
		CourierID:       d.CourierID,
		FinalStatus:     d.Status,
		DeliveredAt:     time.Now().UTC(),
		OrderNumber:     d.OrderNumber,
		CustomerName:    d.CustomerName,
		DeliveryAddress: d.DeliveryAddress,
		TotalAmount:     d.TotalAmount,
		ProofPhotoURL:   d.ProofPhotoURL,
	}
}
