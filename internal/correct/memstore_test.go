package correct

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/globaltime"
)

// memStore is an in-memory Store with the same query semantics as the
// Postgres implementation, precise enough to drive full batch runs.
type memStore struct {
	mu          sync.Mutex
	raw         []db.RawMessage
	clean       []db.CleanRecord
	nextRawID   int64
	nextCleanID int64

	failWith error
}

func newMemStore() *memStore {
	return &memStore{nextRawID: 1, nextCleanID: 1}
}

// addRaw registers a pending raw message and returns its assigned id.
func (s *memStore) addRaw(doc db.RawMessage) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.ID = s.nextRawID
	s.nextRawID++
	s.raw = append(s.raw, doc)
	return doc.ID
}

func (s *memStore) addClean(rec db.CleanRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextCleanID
	s.nextCleanID++
	if rec.RecordUUID == "" {
		rec.RecordUUID = fmt.Sprintf("test-record-%d", rec.ID)
	}
	s.clean = append(s.clean, rec)
	return rec.ID
}

func (s *memStore) rawByID(id int64) *db.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.raw {
		if s.raw[i].ID == id {
			doc := s.raw[i]
			return &doc
		}
	}
	return nil
}

func (s *memStore) cleanRecords() []db.CleanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.CleanRecord, len(s.clean))
	copy(out, s.clean)
	for i := range out {
		if err := out[i].DecodeSides(); err != nil {
			panic(err)
		}
	}
	return out
}

func (s *memStore) rawCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}

func (s *memStore) FetchPendingRaw(ctx context.Context, limit int) ([]db.RawMessage, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.RawMessage
	for i := range s.raw {
		if s.raw[i].Corrected != nil && *s.raw[i].Corrected {
			continue
		}
		out = append(out, s.raw[i])
	}
	// request_in_ts ASC NULLS FIRST, stable on insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].RequestInTs, out[j].RequestInTs
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		return *a < *b
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkCorrected(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.raw {
		if s.raw[i].ID == id {
			corrected := true
			s.raw[i].Corrected = &corrected
			return nil
		}
	}
	return fmt.Errorf("raw message %d not found", id)
}

func (s *memStore) DeleteRaw(ctx context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	var kept []db.RawMessage
	var removed int64
	for i := range s.raw {
		if _, ok := drop[s.raw[i].ID]; ok {
			removed++
			continue
		}
		kept = append(kept, s.raw[i])
	}
	s.raw = kept
	return removed, nil
}

func (s *memStore) HashExists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.clean {
		rec := &s.clean[i]
		if rec.ClientHash != nil && *rec.ClientHash == hash {
			return true, nil
		}
		if rec.ProducerHash != nil && *rec.ProducerHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) FindCandidates(ctx context.Context, doc *db.RawMessage, windowMS int64) ([]db.CleanRecord, error) {
	role, ok := doc.Role()
	if !ok {
		return nil, fmt.Errorf("document has no valid role")
	}

	var ts int64
	if doc.RequestInTs != nil {
		ts = *doc.RequestInTs
	}
	low, high := ts-windowMS, ts+windowMS

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.CleanRecord
	for i := range s.clean {
		rec := s.clean[i]
		if rec.MessageID != doc.GroupKey() || rec.CorrectorStatus != db.StatusProcessing {
			continue
		}
		if role == db.RoleClient {
			if rec.ClientHash != nil {
				continue
			}
			if rec.ProducerRequestInTs == nil || *rec.ProducerRequestInTs < low || *rec.ProducerRequestInTs > high {
				continue
			}
		} else {
			if rec.ProducerHash != nil {
				continue
			}
			if rec.ClientRequestInTs == nil || *rec.ClientRequestInTs < low || *rec.ClientRequestInTs > high {
				continue
			}
		}
		if err := rec.DecodeSides(); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) InsertClean(ctx context.Context, rec *db.CleanRecord) error {
	if err := rec.EncodeSides(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextCleanID
	s.nextCleanID++
	if rec.RecordUUID == "" {
		rec.RecordUUID = fmt.Sprintf("test-record-%d", rec.ID)
	}
	s.clean = append(s.clean, *rec)
	return nil
}

func (s *memStore) UpdateClean(ctx context.Context, rec *db.CleanRecord) error {
	if err := rec.EncodeSides(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.clean {
		if s.clean[i].ID == rec.ID {
			s.clean[i] = *rec
			return nil
		}
	}
	return fmt.Errorf("clean record %d not found", rec.ID)
}

func (s *memStore) FetchTimedOut(ctx context.Context, role string, timeoutDays, limit int) ([]db.CleanRecord, error) {
	ref := globaltime.Millis() - int64(timeoutDays)*24*60*60*1000

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.CleanRecord
	for i := range s.clean {
		rec := s.clean[i]
		if rec.CorrectorStatus != db.StatusProcessing {
			continue
		}
		if role == db.RoleClient {
			if rec.ClientRequestInTs == nil || *rec.ClientRequestInTs >= ref {
				continue
			}
		} else {
			if rec.ClientRequestInTs != nil {
				continue
			}
			if rec.ProducerRequestInTs == nil || *rec.ProducerRequestInTs >= ref {
				continue
			}
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) PromoteToDone(ctx context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for _, id := range ids {
		for i := range s.clean {
			if s.clean[i].ID == id {
				s.clean[i].CorrectorStatus = db.StatusDone
				s.clean[i].CorrectorTime = globaltime.UTC()
				updated++
			}
		}
	}
	return updated, nil
}

var _ Store = (*memStore)(nil)
