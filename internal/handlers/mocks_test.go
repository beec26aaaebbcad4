package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"offlinehub/internal/database"
	"offlinehub/internal/guard"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
	"offlinehub/internal/quota"
	"offlinehub/internal/registry"
	"offlinehub/internal/storage"
)

// The metrics registry is process-global, so every test shares one instance.
var sharedMetrics = metrics.New()

// memStore is an in-memory database.Store for handler tests.
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

// stubProvider serves byte ranges from an in-memory object map.
type stubProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newStubProvider() *stubProvider {
	return &stubProvider{objects: make(map[string][]byte)}
}

func (p *stubProvider) put(bucket, key string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[bucket+"/"+key] = data
}

func (p *stubProvider) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	data, ok := p.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectMissing
	}
	if offset >= int64(len(data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (p *stubProvider) ObjectSize(ctx context.Context, bucket, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return 0, p.fail
	}
	data, ok := p.objects[bucket+"/"+key]
	if !ok {
		return 0, storage.ErrObjectMissing
	}
	return int64(len(data)), nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) error { return p.fail }

// testEnv wires a full handler stack over in-memory collaborators.
type testEnv struct {
	store    *memStore
	provider *stubProvider
	registry *registry.Registry
	offline  *OfflineHandler
	transfer *TransferHandler
}

func newTestEnv() *testEnv {
	store := newMemStore()
	provider := newStubProvider()
	logger := zap.NewNop()

	q := quota.NewService(store)
	reg := registry.New(logger, store, q, guard.NopGuard{}, sharedMetrics)

	return &testEnv{
		store:    store,
		provider: provider,
		registry: reg,
		offline:  NewOfflineHandler(logger, reg, q, store, sharedMetrics, 20, 100),
		transfer: NewTransferHandler(logger, reg, store, provider, sharedMetrics,
			8, 1<<20, 64<<10, 2*time.Second, 2, 10*time.Millisecond),
	}
}

// asUser builds a request with the verified user identity in context.
func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
}
