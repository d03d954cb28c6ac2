package correct

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/globaltime"
)

// messageGroup carries every pending raw message sharing one messageId.
// A group is processed by exactly one worker per batch, so the steps below
// never race within a group.
type messageGroup struct {
	messageID string
	documents []db.RawMessage
}

type worker struct {
	name   string
	store  Store
	tr     *Transformer
	logger zerolog.Logger
}

// drain consumes groups until the channel is closed or a store error aborts
// the batch.
func (w *worker) drain(ctx context.Context, groups <-chan *messageGroup, state *runState) error {
	for g := range groups {
		if err := w.processGroup(ctx, g, state); err != nil {
			return fmt.Errorf("%s: message group %q: %w", w.name, g.messageID, err)
		}
	}
	return nil
}

// processGroup applies dedup and matching to one messageId group, in order:
// batch-duplicate check, store-duplicate check, candidate lookup with the
// regular predicate first and the orphan predicate as fallback, then either
// a merge into the candidate or a new orphan record. Every consumed document
// ends up marked corrected.
func (w *worker) processGroup(ctx context.Context, g *messageGroup, state *runState) error {
	seen := make(map[string]struct{}, len(g.documents))

	for i := range g.documents {
		doc := &g.documents[i]
		hash := ContentHash(doc)

		if _, dup := seen[hash]; dup {
			if err := w.consumeDuplicate(ctx, doc, state); err != nil {
				return err
			}
			continue
		}

		exists, err := w.store.HashExists(ctx, hash)
		if err != nil {
			return err
		}
		if exists {
			seen[hash] = struct{}{}
			if err := w.consumeDuplicate(ctx, doc, state); err != nil {
				return err
			}
			continue
		}
		seen[hash] = struct{}{}

		role, ok := doc.Role()
		if !ok {
			// Data-integrity anomaly: consume the document so the group makes
			// forward progress, but write nothing to the clean store.
			w.logger.Error().
				Str("message_id", g.messageID).
				Int64("raw_id", doc.ID).
				Msg("document has an unknown security server role")
			if err := w.store.MarkCorrected(ctx, doc.ID); err != nil {
				return err
			}
			continue
		}

		candidates, err := w.store.FindCandidates(ctx, doc, w.tr.windowMS)
		if err != nil {
			return err
		}

		match, matchingType := w.selectCandidate(doc, candidates)
		if match == nil {
			if err := w.createOrphan(ctx, doc, hash, role, g.messageID, state); err != nil {
				return err
			}
		} else {
			if err := w.mergeInto(ctx, match, doc, hash, role, matchingType, state); err != nil {
				return err
			}
		}

		if err := w.store.MarkCorrected(ctx, doc.ID); err != nil {
			return err
		}
	}

	return nil
}

// consumeDuplicate queues the document for deferred deletion and marks it
// corrected. Deletion runs only after all workers join so the in-batch
// duplicate window stays stable for the whole run.
func (w *worker) consumeDuplicate(ctx context.Context, doc *db.RawMessage, state *runState) error {
	state.queueRemoval(doc.ID)
	state.addDuplicate()
	return w.store.MarkCorrected(ctx, doc.ID)
}

// selectCandidate returns the first candidate satisfying the regular
// predicate, else the first satisfying the orphan predicate, else nil.
func (w *worker) selectCandidate(doc *db.RawMessage, candidates []db.CleanRecord) (*db.CleanRecord, string) {
	var match *db.CleanRecord
	qualifying := 0
	for i := range candidates {
		if w.tr.IsRegularMatch(doc, &candidates[i]) {
			qualifying++
			if match == nil {
				match = &candidates[i]
			}
		}
	}
	if match != nil {
		if qualifying > 1 {
			w.logger.Debug().
				Str("message_id", doc.GroupKey()).
				Int("qualifying", qualifying).
				Msg("multiple regular match candidates, taking the first")
		}
		return match, db.MatchingRegularPair
	}

	for i := range candidates {
		if w.tr.IsOrphanMatch(doc, &candidates[i]) {
			return &candidates[i], db.MatchingOrphanPair
		}
	}
	return nil, ""
}

func (w *worker) createOrphan(ctx context.Context, doc *db.RawMessage, hash, role, messageID string, state *runState) error {
	rec := &db.CleanRecord{
		MessageID:       messageID,
		CorrectorStatus: db.StatusProcessing,
		MatchingType:    db.MatchingOrphan,
		CorrectorTime:   globaltime.UTC(),
	}
	if role == db.RoleProducer {
		rec.Producer = doc
		rec.ProducerHash = &hash
	} else {
		rec.Client = doc
		rec.ClientHash = &hash
	}
	w.tr.DeriveMetrics(rec)

	// A client-side record without an X-Road instance is a local call: no
	// producer half can ever arrive, so there is nothing to wait for.
	if role == db.RoleClient && doc.ClientXRoadInstance == nil {
		rec.CorrectorStatus = db.StatusDone
	}

	if err := w.store.InsertClean(ctx, rec); err != nil {
		return err
	}
	state.addOrphan()
	return nil
}

func (w *worker) mergeInto(ctx context.Context, rec *db.CleanRecord, doc *db.RawMessage, hash, role, matchingType string, state *runState) error {
	if rec.Side(role) != nil {
		// The candidate query filters on an empty opposite slot, so a filled
		// same-role slot here means the store changed underneath us.
		w.logger.Error().
			Str("message_id", doc.GroupKey()).
			Int64("record_id", rec.ID).
			Str("role", role).
			Msg("match candidate already has this role slot filled, leaving record untouched")
		return nil
	}

	if role == db.RoleProducer {
		rec.Producer = doc
		rec.ProducerHash = &hash
	} else {
		rec.Client = doc
		rec.ClientHash = &hash
	}
	w.tr.DeriveMetrics(rec)
	rec.CorrectorStatus = db.StatusDone
	rec.MatchingType = matchingType
	rec.CorrectorTime = globaltime.UTC()

	if err := w.store.UpdateClean(ctx, rec); err != nil {
		return err
	}
	state.addPair()
	return nil
}

// runState is the cross-worker shared state of one batch: the duplicate
// counter and the deferred-removal collector, plus summary counters.
type runState struct {
	mu         sync.Mutex
	duplicates int
	pairs      int
	orphans    int
	toRemove   []int64
}

func (s *runState) addDuplicate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates++
}

func (s *runState) addPair() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs++
}

func (s *runState) addOrphan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans++
}

func (s *runState) queueRemoval(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toRemove = append(s.toRemove, id)
}

// snapshot is taken by the orchestrator after all workers have joined.
func (s *runState) snapshot() (duplicates, pairs, orphans int, toRemove []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicates, s.pairs, s.orphans, append([]int64(nil), s.toRemove...)
}
