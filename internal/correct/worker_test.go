package correct

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/db"
)

func newTestWorker(store Store) *worker {
	return &worker{
		name:   "worker_test",
		store:  store,
		tr:     testTransformer(),
		logger: zerolog.Nop(),
	}
}

func TestSelectCandidatePrefersRegularMatch(t *testing.T) {
	t.Parallel()

	// The orphan-only candidate sits first; the regular candidate must still
	// win even though it comes later.
	relaxedOnly := producerDoc("msg-1", 1740000100000)
	relaxedOnly.RequestSoapSize = ptr(int64(999999))
	exact := producerDoc("msg-1", 1740000100000)

	candidates := []db.CleanRecord{
		{ID: 1, MessageID: "msg-1", Producer: relaxedOnly, CorrectorStatus: db.StatusProcessing},
		{ID: 2, MessageID: "msg-1", Producer: exact, CorrectorStatus: db.StatusProcessing},
	}

	w := newTestWorker(newMemStore())
	match, matchingType := w.selectCandidate(clientDoc("msg-1", 1740000100000), candidates)
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.ID != 2 || matchingType != db.MatchingRegularPair {
		t.Fatalf("got record %d as %q, want record 2 as regular_pair", match.ID, matchingType)
	}
}

func TestSelectCandidateFallsBackToOrphanMatch(t *testing.T) {
	t.Parallel()

	relaxedOnly := producerDoc("msg-1", 1740000100000)
	relaxedOnly.RequestSoapSize = ptr(int64(999999))
	candidates := []db.CleanRecord{
		{ID: 1, MessageID: "msg-1", Producer: relaxedOnly, CorrectorStatus: db.StatusProcessing},
	}

	w := newTestWorker(newMemStore())
	match, matchingType := w.selectCandidate(clientDoc("msg-1", 1740000100000), candidates)
	if match == nil || matchingType != db.MatchingOrphanPair {
		t.Fatalf("got (%v, %q), want the orphan-pair fallback", match, matchingType)
	}
}

func TestSelectCandidateNoMatch(t *testing.T) {
	t.Parallel()

	other := producerDoc("msg-1", 1740000100000)
	other.ServiceCode = ptr("somethingElse")
	candidates := []db.CleanRecord{
		{ID: 1, MessageID: "msg-1", Producer: other, CorrectorStatus: db.StatusProcessing},
	}

	w := newTestWorker(newMemStore())
	if match, _ := w.selectCandidate(clientDoc("msg-1", 1740000100000), candidates); match != nil {
		t.Fatalf("differing serviceCode must match neither predicate, got record %d", match.ID)
	}
}

func TestMergeIntoLeavesFilledSlotUntouched(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	existing := db.CleanRecord{
		MessageID:       "msg-1",
		Client:          clientDoc("msg-1", 1740000100000),
		ClientHash:      ptr("existing-hash"),
		CorrectorStatus: db.StatusProcessing,
		MatchingType:    db.MatchingOrphan,
	}
	if err := existing.EncodeSides(); err != nil {
		t.Fatalf("encode record: %v", err)
	}
	id := store.addClean(existing)
	existing.ID = id

	w := newTestWorker(store)
	state := &runState{}
	doc := clientDoc("msg-1", 1740000100000)
	err := w.mergeInto(context.Background(), &existing, doc, "new-hash", db.RoleClient, db.MatchingRegularPair, state)
	if err != nil {
		t.Fatalf("mergeInto: %v", err)
	}

	records := store.cleanRecords()
	if len(records) != 1 {
		t.Fatalf("got %d clean records, want 1", len(records))
	}
	if records[0].ClientHash == nil || *records[0].ClientHash != "existing-hash" {
		t.Fatal("a filled role slot must not be overwritten")
	}
	if records[0].CorrectorStatus != db.StatusProcessing {
		t.Fatal("an aborted merge must not change the record status")
	}
	if _, pairs, _, _ := state.snapshot(); pairs != 0 {
		t.Fatalf("an aborted merge must not count as a pair, got %d", pairs)
	}
}
