package deliveries

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
	"github.com/BearBump/CourierBox/internal/integrations/dispatch/fake"
	"github.com/BearBump/CourierBox/internal/models"
)

type memStore struct {
	assigned     []models.Delivery
	proofs       map[uint64]string
	failedProofs map[uint64]bool
	cleared      bool
}

func newMemStore() *memStore {
	return &memStore{proofs: map[uint64]string{}, failedProofs: map[uint64]bool{}}
}

func (m *memStore) SaveAssignedDeliveries(ctx context.Context, ds []models.Delivery) error {
	m.assigned = append([]models.Delivery(nil), ds...)
	return nil
}
func (m *memStore) GetAssignedDeliveries(ctx context.Context) []models.Delivery {
	return append([]models.Delivery(nil), m.assigned...)
}
func (m *memStore) UpsertAssignedDelivery(ctx context.Context, d models.Delivery) error {
	for i := range m.assigned {
		if m.assigned[i].ID == d.ID {
			m.assigned[i] = d
			return nil
		}
	}
	m.assigned = append(m.assigned, d)
	return nil
}
func (m *memStore) RemoveAssignedDelivery(ctx context.Context, id uint64) error {
	out := m.assigned[:0]
	for _, d := range m.assigned {
		if d.ID != id {
			out = append(out, d)
		}
	}
	m.assigned = out
	return nil
}
func (m *memStore) SaveDeliveryProof(ctx context.Context, id uint64, ref string) error {
	m.proofs[id] = ref
	return nil
}
func (m *memStore) GetAllProofs(ctx context.Context) map[uint64]string {
	out := map[uint64]string{}
	for k, v := range m.proofs {
		out[k] = v
	}
	return out
}
func (m *memStore) SaveFailedProofUploads(ctx context.Context, failed map[uint64]bool) error {
	out := map[uint64]bool{}
	for k, v := range failed {
		out[k] = v
	}
	m.failedProofs = out
	return nil
}
func (m *memStore) GetFailedProofUploads(ctx context.Context) map[uint64]bool {
	out := map[uint64]bool{}
	for k, v := range m.failedProofs {
		out[k] = v
	}
	return out
}
func (m *memStore) ClearAll(ctx context.Context) error {
	m.assigned = nil
	m.proofs = map[uint64]string{}
	m.failedProofs = map[uint64]bool{}
	m.cleared = true
	return nil
}

type staticIdentity uint64

func (s staticIdentity) CourierID() uint64 { return uint64(s) }

type recordingNotifier struct {
	changes []models.Status
}

func (r *recordingNotifier) StatusChanged(d models.Delivery, from models.Status) {
	r.changes = append(r.changes, d.Status)
}

func available(id uint64) models.Delivery {
	return models.Delivery{ID: id, OrderNumber: "CMD-042", Status: models.StatusAvailable}
}

func setup(t *testing.T, me uint64, ds ...models.Delivery) (*Service, *fake.Client, *memStore) {
	t.Helper()
	client := fake.New()
	client.Deliveries = ds
	store := newMemStore()
	svc := New(client, store, staticIdentity(me), nil)
	require.NoError(t, svc.Refresh(context.Background()))
	return svc, client, store
}

func writeProofFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "proof.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpegbytes"), 0o600))
	return p
}

func TestClaim_availableDelivery(t *testing.T) {
	svc, _, store := setup(t, 7, available(42))
	ctx := context.Background()

	d, err := svc.Claim(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, d.Status)
	require.Equal(t, uint64(7), d.CourierID)
	require.True(t, d.ConsistentOwnership())

	// Persisted too.
	require.Equal(t, models.StatusAssigned, store.assigned[0].Status)
}

func TestClaim_rejections(t *testing.T) {
	owned := available(42)
	owned.Status = models.StatusAssigned
	owned.CourierID = 9
	svc, _, _ := setup(t, 7, owned, available(43))
	ctx := context.Background()

	_, err := svc.Claim(ctx, 42)
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	// State unchanged.
	d, err := svc.Get(42)
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, d.Status)
	require.Equal(t, uint64(9), d.CourierID)

	_, err = svc.Claim(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClaim_nonAvailableStatus(t *testing.T) {
	d := available(42)
	d.Status = models.StatusEnRoute // inconsistent on purpose: no courier set
	svc, _, _ := setup(t, 7, d)

	_, err := svc.Claim(context.Background(), 42)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClaim_unauthenticated(t *testing.T) {
	client := fake.New()
	store := newMemStore()
	svc := New(client, store, staticIdentity(0), nil)

	_, err := svc.Claim(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestStartRoute_sendsEnRoute(t *testing.T) {
	d := available(42)
	d.Status = models.StatusAssigned
	d.CourierID = 7
	svc, client, _ := setup(t, 7, d)

	out, err := svc.StartRoute(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, models.StatusEnRoute, out.Status)

	require.Len(t, client.StatusCalls, 1)
	require.Equal(t, dispatch.ServerStatusEnRoute, client.StatusCalls[0].Status)
}

func TestStartRoute_ownershipViolation(t *testing.T) {
	d := available(42)
	d.Status = models.StatusAssigned
	d.CourierID = 9
	svc, client, _ := setup(t, 7, d)

	_, err := svc.StartRoute(context.Background(), 42)
	require.ErrorIs(t, err, ErrOwnership)
	require.Empty(t, client.StatusCalls)
}

func TestStartRoute_remoteFailureLeavesState(t *testing.T) {
	d := available(42)
	d.Status = models.StatusAssigned
	d.CourierID = 7
	svc, client, _ := setup(t, 7, d)
	client.StatusErr = errors.New("backend down")

	_, err := svc.StartRoute(context.Background(), 42)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrOwnership)
	require.NotErrorIs(t, err, ErrInvalidTransition)

	got, err := svc.Get(42)
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, got.Status)
}

func TestStartDelivery_localOnly(t *testing.T) {
	d := available(42)
	d.Status = models.StatusEnRoute
	d.CourierID = 7
	svc, client, _ := setup(t, 7, d)

	out, err := svc.StartDelivery(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, out.Status)

	// The in-progress phase has no backend status: no remote call.
	require.Empty(t, client.StatusCalls)
}

func TestComplete_missingProof(t *testing.T) {
	d := available(42)
	d.Status = models.StatusInProgress
	d.CourierID = 7
	svc, client, _ := setup(t, 7, d)

	_, err := svc.Complete(context.Background(), 42)
	require.ErrorIs(t, err, ErrMissingProof)
	require.Empty(t, client.StatusCalls)

	got, err := svc.Get(42)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)
}

func TestComplete_afterProof(t *testing.T) {
	d := available(42)
	d.Status = models.StatusInProgress
	d.CourierID = 7
	svc, client, store := setup(t, 7, d)
	ctx := context.Background()

	_, err := svc.Complete(ctx, 42)
	require.ErrorIs(t, err, ErrMissingProof)

	require.NoError(t, svc.AttachProof(ctx, 42, writeProofFile(t)))
	require.Len(t, client.ProofCalls, 1)

	out, err := svc.Complete(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, out.Status)
	require.NotNil(t, out.ProofPhotoURL)
	require.True(t, out.ConsistentOwnership())

	require.Len(t, client.StatusCalls, 1)
	require.Equal(t, dispatch.ServerStatusDelivered, client.StatusCalls[0].Status)

	// Completed deliveries leave the persisted in-flight set.
	require.Empty(t, store.assigned)

	// And land in local history.
	hs := svc.History()
	require.Len(t, hs, 1)
	require.Equal(t, models.StatusDelivered, hs[0].FinalStatus)
}

func TestComplete_blockedAfterFailedUpload(t *testing.T) {
	d := available(42)
	d.Status = models.StatusInProgress
	d.CourierID = 7
	svc, client, _ := setup(t, 7, d)
	ctx := context.Background()

	client.ProofErr = errors.New("upload refused")
	err := svc.AttachProof(ctx, 42, writeProofFile(t))
	require.Error(t, err)

	// Local reference is kept regardless of the failed upload.
	ref, ok := svc.Proof(42)
	require.True(t, ok)
	require.NotEmpty(t, ref)

	_, err = svc.Complete(ctx, 42)
	require.ErrorIs(t, err, ErrProofNotUploaded)

	// Re-attaching after the backend recovers unblocks completion.
	client.ProofErr = nil
	require.NoError(t, svc.AttachProof(ctx, 42, writeProofFile(t)))
	_, err = svc.Complete(ctx, 42)
	require.NoError(t, err)
}

func TestComplete_blockStillHoldsAfterRestart(t *testing.T) {
	d := available(42)
	d.Status = models.StatusInProgress
	d.CourierID = 7
	svc, client, store := setup(t, 7, d)
	ctx := context.Background()

	client.ProofErr = errors.New("upload refused")
	require.Error(t, svc.AttachProof(ctx, 42, writeProofFile(t)))

	// A new process over the same store inherits the unconfirmed upload.
	svc2 := New(client, store, staticIdentity(7), nil)
	svc2.LoadPersisted(ctx)

	ref, ok := svc2.Proof(42)
	require.True(t, ok)
	require.NotEmpty(t, ref)

	_, err := svc2.Complete(ctx, 42)
	require.ErrorIs(t, err, ErrProofNotUploaded)
	require.Empty(t, client.StatusCalls)

	client.ProofErr = nil
	require.NoError(t, svc2.AttachProof(ctx, 42, writeProofFile(t)))
	_, err = svc2.Complete(ctx, 42)
	require.NoError(t, err)
}

func TestProofRef_localThenBackend(t *testing.T) {
	d := available(42)
	d.Status = models.StatusInProgress
	d.CourierID = 7
	svc, client, _ := setup(t, 7, d)
	ctx := context.Background()

	local := writeProofFile(t)
	require.NoError(t, svc.AttachProof(ctx, 42, local))

	ref, err := svc.ProofRef(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, local, ref)

	// No local record for 99: the backend's stored proof is served instead.
	client.ProofCalls = append(client.ProofCalls, fake.ProofCall{DeliveryID: 99, Filename: "old.jpg"})
	ref, err = svc.ProofRef(ctx, 99)
	require.NoError(t, err)
	require.Equal(t, "https://fake/proofs/old.jpg", ref)

	_, err = svc.ProofRef(ctx, 100)
	require.Error(t, err)
}

func TestMarkFailed_fromEnRouteAndInProgress(t *testing.T) {
	for _, from := range []models.Status{models.StatusEnRoute, models.StatusInProgress} {
		d := available(42)
		d.Status = from
		d.CourierID = 7
		svc, client, _ := setup(t, 7, d)

		out, err := svc.MarkFailed(context.Background(), 42)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, out.Status)
		require.Equal(t, dispatch.ServerStatusFailed, client.StatusCalls[0].Status)
	}
}

func TestMarkFailed_foreignCourierRejected(t *testing.T) {
	d := available(42)
	d.Status = models.StatusEnRoute
	d.CourierID = 7
	svc, client, _ := setup(t, 9, d)

	_, err := svc.MarkFailed(context.Background(), 42)
	require.ErrorIs(t, err, ErrOwnership)
	require.Empty(t, client.StatusCalls)

	got, err := svc.Get(42)
	require.NoError(t, err)
	require.Equal(t, models.StatusEnRoute, got.Status)
	require.Equal(t, uint64(7), got.CourierID)
}

func TestMarkFailed_fromAssignedRejected(t *testing.T) {
	d := available(42)
	d.Status = models.StatusAssigned
	d.CourierID = 7
	svc, _, _ := setup(t, 7, d)

	_, err := svc.MarkFailed(context.Background(), 42)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefresh_forcesOwnership(t *testing.T) {
	d := available(42)
	d.Status = models.StatusAssigned // backend omitted delivery_user_id
	svc, _, _ := setup(t, 7, d)

	got, err := svc.Get(42)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.CourierID)
	require.True(t, got.ConsistentOwnership())
}

func TestRefresh_replacesLocalEdits(t *testing.T) {
	svc, _, _ := setup(t, 7, available(42))
	ctx := context.Background()

	_, err := svc.Claim(ctx, 42)
	require.NoError(t, err)

	// A refresh with the backend still reporting PENDING clobbers the claim:
	// last write wins on the reconcile path.
	require.NoError(t, svc.Refresh(ctx))

	got, err := svc.Get(42)
	require.NoError(t, err)
	require.Equal(t, models.StatusAvailable, got.Status)
}

func TestLoadPersisted(t *testing.T) {
	client := fake.New()
	store := newMemStore()
	store.assigned = []models.Delivery{{ID: 1, Status: models.StatusEnRoute, CourierID: 7}}
	store.proofs = map[uint64]string{1: "/proofs/a.jpg"}

	svc := New(client, store, staticIdentity(7), nil)
	svc.LoadPersisted(context.Background())

	require.Len(t, svc.Assigned(), 1)
	ref, ok := svc.Proof(1)
	require.True(t, ok)
	require.Equal(t, "/proofs/a.jpg", ref)
}

func TestReset_clearsEverything(t *testing.T) {
	d := available(42)
	d.Status = models.StatusInProgress
	d.CourierID = 7
	svc, _, store := setup(t, 7, d)
	ctx := context.Background()

	require.NoError(t, svc.AttachProof(ctx, 42, writeProofFile(t)))
	require.NoError(t, svc.Reset(ctx))

	require.Empty(t, svc.Assigned())
	require.Empty(t, svc.History())
	_, ok := svc.Proof(42)
	require.False(t, ok)
	require.True(t, store.cleared)
}

func TestNotifier_receivesStatusChanges(t *testing.T) {
	client := fake.New()
	client.Deliveries = []models.Delivery{available(42)}
	store := newMemStore()
	n := &recordingNotifier{}
	svc := New(client, store, staticIdentity(7), n)
	ctx := context.Background()
	require.NoError(t, svc.Refresh(ctx))

	_, err := svc.Claim(ctx, 42)
	require.NoError(t, err)
	_, err = svc.StartRoute(ctx, 42)
	require.NoError(t, err)

	require.Equal(t, []models.Status{models.StatusAssigned, models.StatusEnRoute}, n.changes)
}

type recordingProducer struct {
	topics []string
	events []messages.DeliveryEvent
	err    error
}

func (r *recordingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if r.err != nil {
		return r.err
	}
	var ev messages.DeliveryEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return err
	}
	r.topics = append(r.topics, topic)
	r.events = append(r.events, ev)
	return nil
}

func TestStatusChanges_publishedToBroker(t *testing.T) {
	client := fake.New()
	client.Deliveries = []models.Delivery{available(42)}
	p := &recordingProducer{}
	svc := New(client, newMemStore(), staticIdentity(7), nil).
		WithProducer(p, "delivery.status")
	ctx := context.Background()
	require.NoError(t, svc.Refresh(ctx))

	_, err := svc.Claim(ctx, 42)
	require.NoError(t, err)

	require.Len(t, p.events, 1)
	require.Equal(t, "delivery.status", p.topics[0])
	require.Equal(t, messages.EventStatusChanged, p.events[0].Type)
	require.Equal(t, uint64(42), p.events[0].DeliveryID)
	require.Equal(t, uint64(7), p.events[0].CourierID)

	// A refused guard publishes nothing.
	_, err = svc.Claim(ctx, 42)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Len(t, p.events, 1)

	// A broker outage never rolls the transition back.
	p.err = errors.New("broker down")
	out, err := svc.StartRoute(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, models.StatusEnRoute, out.Status)
}

func TestRefreshHistory(t *testing.T) {
	client := fake.New()
	client.History = []models.HistoryEntry{{ID: 9, FinalStatus: models.StatusDelivered}}
	svc := New(client, newMemStore(), staticIdentity(7), nil)

	require.NoError(t, svc.RefreshHistory(context.Background()))
	require.Len(t, svc.History(), 1)
}
