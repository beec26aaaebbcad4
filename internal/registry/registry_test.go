package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"

	"offlinehub/internal/database"
	"offlinehub/internal/guard"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
	"offlinehub/internal/quota"
)

// memStore is an in-memory Store with the same transactional semantics as
// the SQL implementations: CreateRecord enforces the duplicate-active and
// quota checks atomically, UpdateRecord applies its mutate under the lock.
type memStore struct {
	mu      sync.Mutex
	records map[string]*models.DownloadRecord
	games   map[string]*models.GameFile
	tiers   map[string]models.Tier
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*models.DownloadRecord),
		games:   make(map[string]*models.GameFile),
		tiers:   make(map[string]models.Tier),
	}
}

func (s *memStore) CreateRecord(ctx context.Context, rec *models.DownloadRecord, budget int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var used int64
	for _, r := range s.records {
		if r.UserID != rec.UserID {
			continue
		}
		if r.GameID == rec.GameID && r.Status.Active() {
			return &database.DuplicateActiveError{UserID: rec.UserID, GameID: rec.GameID, Current: r.Status}
		}
		if r.Status.ReservesQuota() {
			used += r.FileSize
		}
	}
	if used+rec.FileSize > budget {
		return &database.InsufficientQuotaError{Used: used, Requested: rec.FileSize, Budget: budget}
	}

	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *memStore) UpdateRecord(ctx context.Context, id string, mutate func(*models.DownloadRecord) error) (*models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	work := *rec
	if err := mutate(&work); err != nil {
		return nil, err
	}
	s.records[id] = &work
	out := work
	return &out, nil
}

func (s *memStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *memStore) GetActiveRecord(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.UserID == userID && r.GameID == gameID && r.Status.Active() {
			out := *r
			return &out, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) GetLatestRecord(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.DownloadRecord
	for _, r := range s.records {
		if r.UserID != userID || r.GameID != gameID {
			continue
		}
		if r.Status.Active() {
			out := *r
			return &out, nil
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (s *memStore) ListRecords(ctx context.Context, userID string, status models.Status, limit, offset int) ([]*models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DownloadRecord
	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return database.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) UsedBytes(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used int64
	for _, r := range s.records {
		if r.UserID == userID && r.Status.ReservesQuota() {
			used += r.FileSize
		}
	}
	return used, nil
}

func (s *memStore) GetGame(ctx context.Context, gameID string) (*models.GameFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *g
	return &out, nil
}

func (s *memStore) TierOf(ctx context.Context, userID string) (models.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tier, ok := s.tiers[userID]; ok {
		return tier, nil
	}
	return models.TierFree, nil
}

func (s *memStore) HealthCheck(ctx context.Context) error { return nil }

func (s *memStore) Close() error { return nil }

func newTestRegistry(store *memStore) *Registry {
	m := metrics.New()
	return New(zap.NewNop(), store, quota.NewService(store), guard.NopGuard{}, m)
}

func testGame(id string, size int64) *models.GameFile {
	return &models.GameFile{ID: id, Title: id, Bucket: "games", StoragePath: id + ".bin", SizeBytes: size}
}

func TestInitiate(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if rec.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", rec.Status)
	}
	if rec.FileSize != 1000 {
		t.Errorf("FileSize = %d, want 1000", rec.FileSize)
	}
	if rec.ID == "" {
		t.Error("ID is empty")
	}
}

func TestInitiate_DuplicateActive(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	if _, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000)); err != nil {
		t.Fatalf("first Initiate() error = %v", err)
	}

	_, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000))
	if !IsConflict(err) {
		t.Fatalf("second Initiate() error = %v, want ConflictError", err)
	}

	// Same game, different user is fine.
	if _, err := reg.Initiate(ctx, "bob", testGame("game-1", 1000)); err != nil {
		t.Errorf("Initiate(other user) error = %v", err)
	}
}

func TestInitiate_ConcurrentDuplicate(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	game := testGame("game-1", 1000)

	// Two racing initiations for the same user and game: exactly one may
	// create a record, the other gets a Conflict.
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Initiate(context.Background(), "alice", game)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var created, conflicted int
	for err := range results {
		switch {
		case err == nil:
			created++
		case IsConflict(err):
			conflicted++
		default:
			t.Fatalf("Initiate() error = %v, want nil or ConflictError", err)
		}
	}
	if created != 1 || conflicted != 1 {
		t.Fatalf("got %d created / %d conflicted, want exactly 1 / 1", created, conflicted)
	}

	active, err := store.GetActiveRecord(context.Background(), "alice", "game-1")
	if err != nil {
		t.Fatalf("GetActiveRecord() error = %v", err)
	}
	if active.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", active.Status)
	}
}

func TestInitiate_QuotaExceeded(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	// Free tier budget is 1,073,741,824 bytes.
	if _, err := reg.Initiate(ctx, "alice", testGame("game-1", 1_000_000_000)); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	_, err := reg.Initiate(ctx, "alice", testGame("game-2", 100_000_000))
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("Initiate() error = %v, want QuotaExceededError", err)
	}
	if quotaErr.Quota.Used != 1_000_000_000 {
		t.Errorf("Quota.Used = %d, want 1000000000", quotaErr.Quota.Used)
	}
	if quotaErr.Requested != 100_000_000 {
		t.Errorf("Requested = %d, want 100000000", quotaErr.Requested)
	}

	// A smaller game still fits.
	if _, err := reg.Initiate(ctx, "alice", testGame("game-3", 50_000_000)); err != nil {
		t.Errorf("Initiate(smaller game) error = %v", err)
	}
}

func TestInitiate_TierBudgets(t *testing.T) {
	store := newMemStore()
	store.tiers["member"] = models.TierMember
	reg := newTestRegistry(store)
	ctx := context.Background()

	// 2 GiB fits the member budget but not the free one.
	game := testGame("game-1", 2<<30)

	if _, err := reg.Initiate(ctx, "member", game); err != nil {
		t.Errorf("Initiate(member) error = %v", err)
	}

	_, err := reg.Initiate(ctx, "freeloader", game)
	if !IsQuotaExceeded(err) {
		t.Errorf("Initiate(free) error = %v, want QuotaExceededError", err)
	}
}

// blockedGuard simulates another in-flight initiation holding the lock.
type blockedGuard struct{}

func (blockedGuard) Acquire(ctx context.Context, userID, gameID string) (func(), error) {
	return nil, guard.ErrLockHeld
}

func (blockedGuard) HealthCheck(ctx context.Context) error { return nil }

func (blockedGuard) Close() error { return nil }

func TestInitiate_GuardContention(t *testing.T) {
	store := newMemStore()
	reg := New(zap.NewNop(), store, quota.NewService(store), blockedGuard{}, metrics.New())

	_, err := reg.Initiate(context.Background(), "alice", testGame("game-1", 1000))
	if !IsConflict(err) {
		t.Fatalf("Initiate() error = %v, want ConflictError", err)
	}
}

func TestBegin(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 0))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	// First transfer attempt pins the object size and starts the download.
	rec, err = reg.Begin(ctx, rec.ID, 1000)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if rec.Status != models.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", rec.Status)
	}
	if rec.FileSize != 1000 {
		t.Errorf("FileSize = %d, want 1000", rec.FileSize)
	}
	if rec.StartedAt == nil {
		t.Error("StartedAt is nil after Begin")
	}

	// Begin on an in_progress record is a no-op (resume after disconnect).
	if _, err := reg.Begin(ctx, rec.ID, 1000); err != nil {
		t.Errorf("second Begin() error = %v", err)
	}

	// A paused record refuses transfers.
	if _, err := reg.Pause(ctx, rec.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if _, err := reg.Begin(ctx, rec.ID, 1000); !IsConflict(err) {
		t.Errorf("Begin(paused) error = %v, want ConflictError", err)
	}
}

func TestUpdateProgress(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := reg.Begin(ctx, rec.ID, 1000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	rec, err = reg.UpdateProgress(ctx, rec.ID, 500, "")
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if rec.DownloadedBytes != 500 || rec.ProgressPercentage != 50 {
		t.Errorf("progress = %d bytes / %d%%, want 500 / 50", rec.DownloadedBytes, rec.ProgressPercentage)
	}

	// Bytes may never decrease.
	if _, err := reg.UpdateProgress(ctx, rec.ID, 400, ""); !IsValidation(err) {
		t.Errorf("regressive UpdateProgress() error = %v, want ValidationError", err)
	}

	// Bytes may never exceed the file size.
	if _, err := reg.UpdateProgress(ctx, rec.ID, 1500, ""); !IsValidation(err) {
		t.Errorf("overshooting UpdateProgress() error = %v, want ValidationError", err)
	}

	// Equal bytes is a legal no-op flush.
	if _, err := reg.UpdateProgress(ctx, rec.ID, 500, ""); err != nil {
		t.Errorf("repeated UpdateProgress() error = %v", err)
	}

	// Reaching file_size completes the download.
	rec, err = reg.UpdateProgress(ctx, rec.ID, 1000, "")
	if err != nil {
		t.Fatalf("final UpdateProgress() error = %v", err)
	}
	if rec.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	if rec.ProgressPercentage != 100 {
		t.Errorf("ProgressPercentage = %d, want 100", rec.ProgressPercentage)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt is nil after completion")
	}

	// Terminal records reject further updates.
	if _, err := reg.UpdateProgress(ctx, rec.ID, 1000, ""); !IsConflict(err) {
		t.Errorf("UpdateProgress(completed) error = %v, want ConflictError", err)
	}
}

func TestUpdateProgress_ZeroSizeCompletes(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 0))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := reg.Begin(ctx, rec.ID, 0); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// A zero-byte file never accumulates bytes, so the size check alone
	// would leave it in_progress forever; the explicit mark finishes it.
	rec, err = reg.UpdateProgress(ctx, rec.ID, 0, models.StatusCompleted)
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if rec.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	if rec.ProgressPercentage != 100 {
		t.Errorf("ProgressPercentage = %d, want 100", rec.ProgressPercentage)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt is nil after completion")
	}
	if rec.DownloadedBytes != 0 {
		t.Errorf("DownloadedBytes = %d, want 0", rec.DownloadedBytes)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	id := rec.ID

	// Pause requires in_progress.
	if _, err := reg.Pause(ctx, id); !IsConflict(err) {
		t.Errorf("Pause(pending) error = %v, want ConflictError", err)
	}

	if _, err := reg.Begin(ctx, id, 1000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if rec, err = reg.Pause(ctx, id); err != nil || rec.Status != models.StatusPaused {
		t.Fatalf("Pause() = %v, %v, want paused", rec, err)
	}
	if rec, err = reg.Resume(ctx, id); err != nil || rec.Status != models.StatusInProgress {
		t.Fatalf("Resume() = %v, %v, want in_progress", rec, err)
	}

	// Resume requires paused.
	if _, err := reg.Resume(ctx, id); !IsConflict(err) {
		t.Errorf("Resume(in_progress) error = %v, want ConflictError", err)
	}

	if rec, err = reg.Cancel(ctx, id); err != nil || rec.Status != models.StatusCancelled {
		t.Fatalf("Cancel() = %v, %v, want cancelled", rec, err)
	}

	// Cancelled is terminal.
	if _, err := reg.Cancel(ctx, id); !IsConflict(err) {
		t.Errorf("Cancel(cancelled) error = %v, want ConflictError", err)
	}
}

func TestFailAndRetry(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	id := rec.ID

	if _, err := reg.Begin(ctx, id, 1000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := reg.UpdateProgress(ctx, id, 700, ""); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	rec, err = reg.Fail(ctx, id, "stalled")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if rec.Status != models.StatusFailed || rec.ErrorMessage != "stalled" {
		t.Errorf("Fail() = %+v, want failed with message", rec)
	}

	// A failed record no longer reserves quota.
	used, err := store.UsedBytes(ctx, "alice")
	if err != nil {
		t.Fatalf("UsedBytes() error = %v", err)
	}
	if used != 0 {
		t.Errorf("UsedBytes after failure = %d, want 0", used)
	}

	// Retry resets the cycle but keeps the id and file size.
	rec, err = reg.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if rec.ID != id {
		t.Errorf("Retry() changed id: %s -> %s", id, rec.ID)
	}
	if rec.Status != models.StatusPending {
		t.Errorf("Status = %s, want pending", rec.Status)
	}
	if rec.DownloadedBytes != 0 || rec.ProgressPercentage != 0 || rec.ErrorMessage != "" {
		t.Errorf("Retry() left stale progress: %+v", rec)
	}
	if rec.FileSize != 1000 {
		t.Errorf("FileSize = %d, want 1000", rec.FileSize)
	}
	if rec.StartedAt != nil || rec.CompletedAt != nil {
		t.Error("Retry() left stale timestamps")
	}

	// Retry requires failed.
	if _, err := reg.Retry(ctx, id); !IsConflict(err) {
		t.Errorf("Retry(pending) error = %v, want ConflictError", err)
	}
}

func TestDelete(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 5_242_880))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	used, _ := store.UsedBytes(ctx, "alice")
	if used != 5_242_880 {
		t.Fatalf("UsedBytes = %d, want 5242880", used)
	}

	if err := reg.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	used, _ = store.UsedBytes(ctx, "alice")
	if used != 0 {
		t.Errorf("UsedBytes after delete = %d, want 0", used)
	}

	if _, err := reg.Get(ctx, rec.ID); !IsNotFound(err) {
		t.Errorf("Get(deleted) error = %v, want not found", err)
	}

	if err := reg.Delete(ctx, rec.ID); !IsNotFound(err) {
		t.Errorf("Delete(missing) error = %v, want not found", err)
	}
}

func TestDelete_InProgressCancelsFirst(t *testing.T) {
	store := newMemStore()
	reg := newTestRegistry(store)
	ctx := context.Background()

	rec, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if _, err := reg.Begin(ctx, rec.ID, 1000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if err := reg.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete(in_progress) error = %v", err)
	}

	// The slot opens for a fresh download.
	if _, err := reg.Initiate(ctx, "alice", testGame("game-1", 1000)); err != nil {
		t.Errorf("Initiate after delete error = %v", err)
	}
}
