package receipt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// ErrorReporter receives failures that are handled locally and not returned
// to the caller, such as cloud sync errors
type ErrorReporter interface {
	Report(err error)
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

type nopReporter struct{}

func (nopReporter) Report(error) {}

// CloudCopyResult describes the outcome of a copy to the cloud store
type CloudCopyResult struct {
	Added  int  `json:"added"`  // Receipts that were not in the cloud yet
	Synced bool `json:"synced"` // False when the cloud write failed or no cloud is configured
}

// Store keeps a de-duplicated, ordered collection of receipts. Every mutation
// writes the whole collection to the local backend before returning.
type Store struct {
	mu         sync.Mutex
	local      Backend
	cloud      Backend
	timeSource TimeSource
	reporter   ErrorReporter
	receipts   []Receipt
}

// NewStore creates a Store and loads the receipts persisted in local.
// cloud may be nil.
func NewStore(local, cloud Backend) *Store {
	return NewStoreWithDeps(local, cloud, &defaultTimeSource{}, nopReporter{})
}

// NewStoreWithDeps creates a Store with custom dependencies for testing
func NewStoreWithDeps(local, cloud Backend, timeSource TimeSource, reporter ErrorReporter) *Store {
	if timeSource == nil {
		timeSource = &defaultTimeSource{}
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	s := &Store{
		local:      local,
		cloud:      cloud,
		timeSource: timeSource,
		reporter:   reporter,
	}
	s.receipts = loadReceipts(local, StoreKey)
	return s
}

// loadReceipts never fails: missing or unreadable data is an empty collection
func loadReceipts(backend Backend, key string) []Receipt {
	data, err := backend.Load(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Failed to read receipts, starting empty", "key", key, "error", err)
		}
		return []Receipt{}
	}
	snapshot, err := DecodeSnapshot(data)
	if err != nil {
		slog.Warn("Discarding unreadable receipts", "key", key, "error", err)
		return []Receipt{}
	}

	// Older data may hold the same transaction twice; the first one wins
	seen := make(map[string]struct{}, len(snapshot.Receipts))
	receipts := make([]Receipt, 0, len(snapshot.Receipts))
	for _, r := range snapshot.Receipts {
		if _, ok := seen[r.TransactionID]; ok {
			continue
		}
		seen[r.TransactionID] = struct{}{}
		receipts = append(receipts, r)
	}
	if dropped := len(snapshot.Receipts) - len(receipts); dropped > 0 {
		slog.Warn("Dropped duplicate persisted receipts", "key", key, "count", dropped)
	}
	return receipts
}

// persist must be called with mu held
func (s *Store) persist() error {
	data, err := EncodeSnapshot(Snapshot{Receipts: s.receipts, AccessDate: s.timeSource.Now()})
	if err != nil {
		err = fmt.Errorf("encoding receipts: %w", err)
		slog.Error("Failed to encode receipts", "count", len(s.receipts), "error", err)
		s.reporter.Report(err)
		return err
	}
	if err := s.local.Save(StoreKey, data); err != nil {
		err = fmt.Errorf("saving receipts: %w", err)
		slog.Error("Failed to persist receipts", "count", len(s.receipts), "error", err)
		s.reporter.Report(err)
		return err
	}
	return nil
}

// All returns every receipt in insertion order
func (s *Store) All() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out
}

// NotUploadedYet returns the receipts that are not consumed
func (s *Store) NotUploadedYet() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Receipt, 0)
	for _, r := range s.receipts {
		if !r.Consumed {
			out = append(out, r)
		}
	}
	return out
}

// Add appends the receipts whose transaction ID is not stored yet and
// returns how many were appended. Re-delivered receipts are ignored.
func (s *Store) Add(receipts []Receipt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.receipts)+len(receipts))
	for _, r := range s.receipts {
		seen[r.TransactionID] = struct{}{}
	}

	now := s.timeSource.Now()
	added := 0
	for _, r := range receipts {
		if _, ok := seen[r.TransactionID]; ok {
			continue
		}
		seen[r.TransactionID] = struct{}{}
		if r.ReceivedDate.IsZero() {
			r.ReceivedDate = now
		}
		s.receipts = append(s.receipts, r)
		added++
	}

	if added < len(receipts) {
		slog.Debug("Ignored duplicate receipts", "count", len(receipts)-added)
	}
	return added, s.persist()
}

// RemoveAll deletes every receipt
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipts = []Receipt{}
	return s.persist()
}

// RemovePurchasedBefore deletes receipts whose original purchase date is at
// or before cutoff. Receipts without an original purchase date are kept.
func (s *Store) RemovePurchasedBefore(cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]Receipt, 0, len(s.receipts))
	for _, r := range s.receipts {
		if r.OriginalPurchaseDate == nil || r.OriginalPurchaseDate.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if removed := len(s.receipts) - len(kept); removed > 0 {
		slog.Info("Removed old receipts", "count", removed, "cutoff", cutoff)
	}
	s.receipts = kept
	return s.persist()
}

// MarkConsumed flags the receipts with the given transaction IDs as consumed
// and returns all of them, including ones that were consumed already.
func (s *Store) MarkConsumed(transactionIDs []string) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(transactionIDs))
	for _, id := range transactionIDs {
		ids[id] = struct{}{}
	}

	marked := make([]Receipt, 0)
	for i := range s.receipts {
		if _, ok := ids[s.receipts[i].TransactionID]; ok {
			s.receipts[i].Consumed = true
			marked = append(marked, s.receipts[i])
		}
	}
	return marked, s.persist()
}

// CopyAllToCloud copies every stored receipt to the cloud store
func (s *Store) CopyAllToCloud() CloudCopyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.copyToCloud(s.receipts)
}

// CopyToCloud merges receipts into the cloud store. The merged collection
// is also written locally under CloudMirrorKey, whether or not the cloud
// write succeeds. Failures are logged and reported, never returned.
func (s *Store) CopyToCloud(receipts []Receipt) CloudCopyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.copyToCloud(receipts)
}

func (s *Store) copyToCloud(receipts []Receipt) CloudCopyResult {
	var result CloudCopyResult

	existing := []Receipt{}
	cloudReadable := s.cloud != nil
	if s.cloud != nil {
		data, err := s.cloud.Load(StoreKey)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			// Writing over a cloud copy we could not read would drop its receipts
			slog.Warn("Failed to read cloud receipts", "error", err)
			s.reporter.Report(fmt.Errorf("reading cloud receipts: %w", err))
			cloudReadable = false
		default:
			snapshot, err := DecodeSnapshot(data)
			if err != nil {
				slog.Warn("Discarding unreadable cloud receipts", "error", err)
			} else {
				existing = snapshot.Receipts
			}
		}
	}

	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.TransactionID] = struct{}{}
	}
	merged := make([]Receipt, len(existing), len(existing)+len(receipts))
	copy(merged, existing)
	for _, r := range receipts {
		if _, ok := seen[r.TransactionID]; ok {
			continue
		}
		seen[r.TransactionID] = struct{}{}
		merged = append(merged, r)
		result.Added++
	}

	data, err := EncodeSnapshot(Snapshot{Receipts: merged, AccessDate: s.timeSource.Now()})
	if err != nil {
		s.reporter.Report(err)
		return result
	}

	if cloudReadable {
		if err := s.cloud.Save(StoreKey, data); err != nil {
			slog.Warn("Failed to write cloud receipts", "error", err)
			s.reporter.Report(fmt.Errorf("writing cloud receipts: %w", err))
		} else {
			result.Synced = true
		}
	}

	if err := s.local.Save(CloudMirrorKey, data); err != nil {
		slog.Warn("Failed to write cloud mirror", "error", err)
		s.reporter.Report(fmt.Errorf("writing cloud mirror: %w", err))
	}

	return result
}
