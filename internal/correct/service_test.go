package correct

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/globaltime"
)

func newTestService(store Store) *Service {
	return NewService(store, zerolog.Nop())
}

func TestRunBatchRegularPair(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	clientID := store.addRaw(*clientDoc("msg-1", 1740000100000))
	producerID := store.addRaw(*producerDoc("msg-1", 1740000100500))

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if result.Fetched != 2 || result.Groups != 1 {
		t.Fatalf("got fetched=%d groups=%d, want 2/1", result.Fetched, result.Groups)
	}
	if result.PairsMatched != 1 || result.OrphansCreated != 1 {
		t.Fatalf("got pairs=%d orphans=%d, want 1/1", result.PairsMatched, result.OrphansCreated)
	}
	if result.Duplicates != 0 || result.RemovedRaw != 0 {
		t.Fatalf("unexpected duplicates=%d removed=%d", result.Duplicates, result.RemovedRaw)
	}

	records := store.cleanRecords()
	if len(records) != 1 {
		t.Fatalf("got %d clean records, want 1", len(records))
	}
	rec := records[0]
	if rec.CorrectorStatus != db.StatusDone {
		t.Fatalf("got status %q, want done", rec.CorrectorStatus)
	}
	if rec.MatchingType != db.MatchingRegularPair {
		t.Fatalf("got matching type %q, want regular_pair", rec.MatchingType)
	}
	if rec.Client == nil || rec.Producer == nil {
		t.Fatal("both sides of the pair must be present")
	}
	if rec.ClientHash == nil || rec.ProducerHash == nil {
		t.Fatal("both content hashes must be recorded")
	}
	if rec.TotalDuration == nil || rec.ProducerDurationProdView == nil {
		t.Fatal("derived metrics must be computed for a full pair")
	}

	for _, id := range []int64{clientID, producerID} {
		doc := store.rawByID(id)
		if doc == nil {
			t.Fatalf("raw message %d disappeared", id)
		}
		if doc.Corrected == nil || !*doc.Corrected {
			t.Fatalf("raw message %d must be marked corrected", id)
		}
	}
}

func TestRunBatchOrphanPairFallback(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	producer := producerDoc("msg-1", 1740000100000)
	// Sizes disagree, so only the relaxed predicate can pair these.
	producer.RequestSoapSize = ptr(int64(999999))
	store.addRaw(*producer)
	store.addRaw(*clientDoc("msg-1", 1740000100500))

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.PairsMatched != 1 {
		t.Fatalf("got pairs=%d, want 1", result.PairsMatched)
	}

	records := store.cleanRecords()
	if len(records) != 1 {
		t.Fatalf("got %d clean records, want 1", len(records))
	}
	if records[0].MatchingType != db.MatchingOrphanPair {
		t.Fatalf("got matching type %q, want orphan_pair", records[0].MatchingType)
	}
	if records[0].CorrectorStatus != db.StatusDone {
		t.Fatalf("got status %q, want done", records[0].CorrectorStatus)
	}
}

func TestRunBatchOutsideWindow(t *testing.T) {
	globaltime.SetMockTime(time.UnixMilli(1740000100000).UTC())
	defer globaltime.ResetTime()

	store := newMemStore()
	store.addRaw(*producerDoc("msg-1", 1740000100000))
	store.addRaw(*clientDoc("msg-1", 1740000100000+60001))

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if result.PairsMatched != 0 || result.OrphansCreated != 2 {
		t.Fatalf("got pairs=%d orphans=%d, want 0/2", result.PairsMatched, result.OrphansCreated)
	}
	for _, rec := range store.cleanRecords() {
		if rec.CorrectorStatus != db.StatusProcessing {
			t.Fatalf("unpaired record must stay processing, got %q", rec.CorrectorStatus)
		}
		if rec.MatchingType != db.MatchingOrphan {
			t.Fatalf("got matching type %q, want orphan", rec.MatchingType)
		}
	}
}

func TestRunBatchDuplicateInBatch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.addRaw(*clientDoc("msg-1", 1740000100000))
	store.addRaw(*clientDoc("msg-1", 1740000100000)) // identical content
	store.addRaw(*producerDoc("msg-1", 1740000100500))

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if result.Duplicates != 1 || result.RemovedRaw != 1 {
		t.Fatalf("got duplicates=%d removed=%d, want 1/1", result.Duplicates, result.RemovedRaw)
	}
	if result.PairsMatched != 1 {
		t.Fatalf("got pairs=%d, want 1", result.PairsMatched)
	}
	if len(store.cleanRecords()) != 1 {
		t.Fatalf("a duplicate must not create a second clean record")
	}
	if store.rawCount() != 2 {
		t.Fatalf("got %d raw messages left, want 2", store.rawCount())
	}
}

func TestRunBatchDuplicateAcrossRuns(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	svc := newTestService(store)

	store.addRaw(*clientDoc("msg-1", 1740000100000))
	if _, err := svc.RunBatch(context.Background(), testOptions()); err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}

	// The same capture arrives again after the first run persisted its hash.
	store.addRaw(*clientDoc("msg-1", 1740000100000))
	result, err := svc.RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("second RunBatch: %v", err)
	}

	if result.Duplicates != 1 || result.RemovedRaw != 1 {
		t.Fatalf("got duplicates=%d removed=%d, want 1/1", result.Duplicates, result.RemovedRaw)
	}
	if result.OrphansCreated != 0 {
		t.Fatalf("a store duplicate must not create a record, got orphans=%d", result.OrphansCreated)
	}
	if len(store.cleanRecords()) != 1 {
		t.Fatalf("got %d clean records, want 1", len(store.cleanRecords()))
	}
}

func TestRunBatchIdempotentWhenDrained(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	svc := newTestService(store)
	store.addRaw(*clientDoc("msg-1", 1740000100000))
	store.addRaw(*producerDoc("msg-1", 1740000100500))

	if _, err := svc.RunBatch(context.Background(), testOptions()); err != nil {
		t.Fatalf("first RunBatch: %v", err)
	}
	second, err := svc.RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("second RunBatch: %v", err)
	}

	if second.Processed() != 0 {
		t.Fatalf("a drained store must process nothing, got %d", second.Processed())
	}
	if len(store.cleanRecords()) != 1 {
		t.Fatalf("got %d clean records, want 1", len(store.cleanRecords()))
	}
}

func TestRunBatchLocalCall(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	doc := clientDoc("msg-1", 1740000100000)
	doc.ClientXRoadInstance = nil
	store.addRaw(*doc)

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.OrphansCreated != 1 {
		t.Fatalf("got orphans=%d, want 1", result.OrphansCreated)
	}

	records := store.cleanRecords()
	if len(records) != 1 {
		t.Fatalf("got %d clean records, want 1", len(records))
	}
	// Local calls never gain a producer half, so they complete immediately.
	if records[0].CorrectorStatus != db.StatusDone {
		t.Fatalf("got status %q, want done", records[0].CorrectorStatus)
	}
}

func TestRunBatchUnknownRole(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	doc := clientDoc("msg-1", 1740000100000)
	doc.SecurityServerType = ptr("Broker")
	id := store.addRaw(*doc)

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if len(store.cleanRecords()) != 0 {
		t.Fatal("an unknown role must not produce a clean record")
	}
	raw := store.rawByID(id)
	if raw == nil || raw.Corrected == nil || !*raw.Corrected {
		t.Fatal("an unknown-role document must still be consumed")
	}
	if result.OrphansCreated != 0 || result.PairsMatched != 0 {
		t.Fatalf("got orphans=%d pairs=%d, want 0/0", result.OrphansCreated, result.PairsMatched)
	}
}

func TestRunBatchMissingRole(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	doc := clientDoc("msg-1", 1740000100000)
	doc.SecurityServerType = nil
	store.addRaw(*doc)

	if _, err := newTestService(store).RunBatch(context.Background(), testOptions()); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(store.cleanRecords()) != 0 {
		t.Fatal("a document without a role must not produce a clean record")
	}
}

func TestRunBatchDocumentsLimit(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.addRaw(*clientDoc("msg-limit", int64(1740000100000+i*200000)))
	}

	opts := testOptions()
	opts.DocumentsLimit = 3
	result, err := newTestService(store).RunBatch(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Fetched != 3 {
		t.Fatalf("got fetched=%d, want 3", result.Fetched)
	}
}

func TestRunBatchSeparateMessageIDs(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.addRaw(*clientDoc("msg-a", 1740000100000))
	store.addRaw(*producerDoc("msg-b", 1740000100000))

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.Groups != 2 || result.PairsMatched != 0 || result.OrphansCreated != 2 {
		t.Fatalf("got groups=%d pairs=%d orphans=%d, want 2/0/2",
			result.Groups, result.PairsMatched, result.OrphansCreated)
	}
}

func TestRunBatchTimeoutSweep(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	oldTs := now.Add(-11 * 24 * time.Hour).UnixMilli()
	freshTs := now.Add(-time.Hour).UnixMilli()

	store := newMemStore()
	clientOrphan := db.CleanRecord{
		MessageID:         "msg-old-client",
		Client:            clientDoc("msg-old-client", oldTs),
		ClientHash:        ptr("hash-old-client"),
		ClientRequestInTs: ptr(oldTs),
		CorrectorStatus:   db.StatusProcessing,
		MatchingType:      db.MatchingOrphan,
	}
	if err := clientOrphan.EncodeSides(); err != nil {
		t.Fatalf("encode client orphan: %v", err)
	}
	store.addClean(clientOrphan)

	producerOrphan := db.CleanRecord{
		MessageID:           "msg-old-producer",
		Producer:            producerDoc("msg-old-producer", oldTs),
		ProducerHash:        ptr("hash-old-producer"),
		ProducerRequestInTs: ptr(oldTs),
		CorrectorStatus:     db.StatusProcessing,
		MatchingType:        db.MatchingOrphan,
	}
	if err := producerOrphan.EncodeSides(); err != nil {
		t.Fatalf("encode producer orphan: %v", err)
	}
	store.addClean(producerOrphan)

	fresh := db.CleanRecord{
		MessageID:         "msg-fresh",
		Client:            clientDoc("msg-fresh", freshTs),
		ClientHash:        ptr("hash-fresh"),
		ClientRequestInTs: ptr(freshTs),
		CorrectorStatus:   db.StatusProcessing,
		MatchingType:      db.MatchingOrphan,
	}
	if err := fresh.EncodeSides(); err != nil {
		t.Fatalf("encode fresh orphan: %v", err)
	}
	freshID := store.addClean(fresh)

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if result.TimedOutClient != 1 || result.TimedOutProducer != 1 {
		t.Fatalf("got timed out client=%d producer=%d, want 1/1",
			result.TimedOutClient, result.TimedOutProducer)
	}

	for _, rec := range store.cleanRecords() {
		switch rec.ID {
		case freshID:
			if rec.CorrectorStatus != db.StatusProcessing {
				t.Fatalf("fresh orphan must stay processing, got %q", rec.CorrectorStatus)
			}
		default:
			if rec.CorrectorStatus != db.StatusDone {
				t.Fatalf("record %d must be promoted to done, got %q", rec.ID, rec.CorrectorStatus)
			}
		}
	}
}

func TestRunBatchTimeoutSkipsPairedClient(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	oldTs := now.Add(-11 * 24 * time.Hour).UnixMilli()

	// A record whose client half is old but which already carries a producer
	// request timestamp is only eligible for the client-side sweep; the
	// producer sweep requires an absent client timestamp.
	store := newMemStore()
	rec := db.CleanRecord{
		MessageID:           "msg-pair",
		Client:              clientDoc("msg-pair", oldTs),
		Producer:            producerDoc("msg-pair", oldTs),
		ClientHash:          ptr("hash-c"),
		ProducerHash:        ptr("hash-p"),
		ClientRequestInTs:   ptr(oldTs),
		ProducerRequestInTs: ptr(oldTs),
		CorrectorStatus:     db.StatusProcessing,
		MatchingType:        db.MatchingOrphan,
	}
	if err := rec.EncodeSides(); err != nil {
		t.Fatalf("encode record: %v", err)
	}
	store.addClean(rec)

	result, err := newTestService(store).RunBatch(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if result.TimedOutClient != 1 {
		t.Fatalf("got timed out client=%d, want 1", result.TimedOutClient)
	}
	if result.TimedOutProducer != 0 {
		t.Fatalf("got timed out producer=%d, want 0", result.TimedOutProducer)
	}
}

func TestRunBatchStoreError(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.failWith = errors.New("connection refused")

	if _, err := newTestService(store).RunBatch(context.Background(), testOptions()); err == nil {
		t.Fatal("a store error must abort the run")
	}
}

func TestRunBatchUninitializedService(t *testing.T) {
	t.Parallel()

	var svc *Service
	if _, err := svc.RunBatch(context.Background(), testOptions()); err == nil {
		t.Fatal("a nil service must refuse to run")
	}
}

func TestGroupByMessageID(t *testing.T) {
	t.Parallel()

	docs := []db.RawMessage{
		*clientDoc("msg-a", 1),
		*clientDoc("msg-b", 2),
		*producerDoc("msg-a", 3),
		{}, // no messageId folds to the empty-string group
	}
	groups := groupByMessageID(docs)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if groups[0].messageID != "msg-a" || len(groups[0].documents) != 2 {
		t.Fatalf("group order or membership broken: %+v", groups[0])
	}
	if groups[2].messageID != "" || len(groups[2].documents) != 1 {
		t.Fatalf("documents without messageId must share the empty group: %+v", groups[2])
	}
}

func TestResultProcessed(t *testing.T) {
	t.Parallel()

	r := Result{Fetched: 3, TimedOutClient: 2, TimedOutProducer: 1, RemovedRaw: 4}
	if got := r.Processed(); got != 10 {
		t.Fatalf("got %d, want 10", got)
	}
}
