package correct

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/corrector/internal/config"
	"horse.fit/corrector/internal/db"
	"horse.fit/corrector/internal/globaltime"
	"horse.fit/corrector/internal/metrics"
)

// Options is the per-run configuration bundle.
type Options struct {
	DocumentsLimit         int
	TimeoutDays            int
	WorkerCount            int
	TimeWindowMS           int64
	ComparisonFields       []string
	OrphanComparisonFields []string
	Metrics                MetricOptions
}

// OptionsFromConfig maps the environment configuration onto run options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DocumentsLimit:         cfg.DocumentsLimit,
		TimeoutDays:            cfg.TimeoutDays,
		WorkerCount:            cfg.WorkerCount,
		TimeWindowMS:           cfg.TimeWindowMS,
		ComparisonFields:       cfg.ComparisonFields,
		OrphanComparisonFields: cfg.OrphanComparisonFields,
		Metrics: MetricOptions{
			TotalDuration:              cfg.CalcTotalDuration,
			ClientSsRequestDuration:    cfg.CalcClientSsRequestDuration,
			ClientSsResponseDuration:   cfg.CalcClientSsResponseDuration,
			ProducerDurationClientView: cfg.CalcProducerDurationClientView,
			ProducerDurationProdView:   cfg.CalcProducerDurationProdView,
			ProducerSsRequestDuration:  cfg.CalcProducerSsRequestDuration,
			ProducerSsResponseDuration: cfg.CalcProducerSsResponseDuration,
			ProducerIsDuration:         cfg.CalcProducerIsDuration,
			RequestNwDuration:          cfg.CalcRequestNwDuration,
			ResponseNwDuration:         cfg.CalcResponseNwDuration,
			RequestSize:                cfg.CalcRequestSize,
			ResponseSize:               cfg.CalcResponseSize,
		},
	}
}

// Result summarizes one batch run.
type Result struct {
	RunID            string        `json:"run_id"`
	Fetched          int           `json:"fetched"`
	Groups           int           `json:"groups"`
	Duplicates       int           `json:"duplicates"`
	PairsMatched     int           `json:"pairs_matched"`
	OrphansCreated   int           `json:"orphans_created"`
	TimedOutClient   int64         `json:"timed_out_client"`
	TimedOutProducer int64         `json:"timed_out_producer"`
	RemovedRaw       int64         `json:"removed_raw"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Processed is the total document work of the run, the figure the daemon
// compares against its minimum-activity threshold.
func (r Result) Processed() int {
	return r.Fetched + int(r.TimedOutClient) + int(r.TimedOutProducer) + int(r.RemovedRaw)
}

// Service owns one corrector pipeline run: fetch, group, dispatch to the
// worker pool, join, timeout sweep, duplicate cleanup, summary.
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// RunBatch claims up to DocumentsLimit pending raw messages and reconciles
// them. A store error aborts the run; already-consumed documents stay
// consumed and the rest remain pending for the next invocation.
func (s *Service) RunBatch(ctx context.Context, opts Options) (Result, error) {
	if s == nil || s.store == nil {
		return Result{}, fmt.Errorf("corrector service is not initialized")
	}

	start := globaltime.Now()
	runID := uuid.NewString()
	logger := s.logger.With().Str("run_id", runID).Logger()

	docs, err := s.store.FetchPendingRaw(ctx, opts.DocumentsLimit)
	if err != nil {
		return Result{}, fmt.Errorf("fetch pending raw messages: %w", err)
	}
	groups := groupByMessageID(docs)
	logger.Info().
		Int("documents", len(docs)).
		Int("groups", len(groups)).
		Msg("corrector batch started")

	state := &runState{}
	if err := s.dispatch(ctx, opts, logger, groups, state); err != nil {
		return Result{}, fmt.Errorf("corrector batch: %w", err)
	}
	duplicates, pairs, orphans, toRemove := state.snapshot()

	// The sweeps below must not run while workers are still matching: a
	// timeout promotion could steal a record a worker is about to merge into.
	timedOutClient, err := s.sweepTimedOut(ctx, db.RoleClient, opts, logger)
	if err != nil {
		return Result{}, err
	}
	timedOutProducer, err := s.sweepTimedOut(ctx, db.RoleProducer, opts, logger)
	if err != nil {
		return Result{}, err
	}

	removed, err := s.store.DeleteRaw(ctx, toRemove)
	if err != nil {
		return Result{}, fmt.Errorf("remove duplicate raw messages: %w", err)
	}

	result := Result{
		RunID:            runID,
		Fetched:          len(docs),
		Groups:           len(groups),
		Duplicates:       duplicates,
		PairsMatched:     pairs,
		OrphansCreated:   orphans,
		TimedOutClient:   timedOutClient,
		TimedOutProducer: timedOutProducer,
		RemovedRaw:       removed,
		Elapsed:          globaltime.Now().Sub(start),
	}
	observeResult(result)

	logger.Info().
		Int("documents", result.Fetched).
		Int("duplicates", result.Duplicates).
		Int("pairs_matched", result.PairsMatched).
		Int("orphans_created", result.OrphansCreated).
		Int64("timed_out_client", result.TimedOutClient).
		Int64("timed_out_producer", result.TimedOutProducer).
		Int64("removed_raw", result.RemovedRaw).
		Dur("elapsed", result.Elapsed).
		Msg("corrector batch finished")

	return result, nil
}

// dispatch fans the groups out to a fixed-size worker pool and joins it.
// The first worker error wins; the other workers keep draining the queue to
// completion and their consumed documents stay consumed, which is safe
// because every step is idempotent against re-fetch on the next run.
func (s *Service) dispatch(ctx context.Context, opts Options, logger zerolog.Logger, groups []*messageGroup, state *runState) error {
	queue := make(chan *messageGroup, len(groups))
	for _, g := range groups {
		queue <- g
	}
	close(queue)

	workerCount := opts.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for i := 0; i < workerCount; i++ {
		w := &worker{
			name:   fmt.Sprintf("worker_%d", i),
			store:  s.store,
			tr:     NewTransformer(opts, logger),
			logger: logger.With().Str("worker", fmt.Sprintf("worker_%d", i)).Logger(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.drain(ctx, queue, state); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	return firstErr
}

// sweepTimedOut promotes permanently unpaired processing orphans to done.
func (s *Service) sweepTimedOut(ctx context.Context, role string, opts Options, logger zerolog.Logger) (int64, error) {
	records, err := s.store.FetchTimedOut(ctx, role, opts.TimeoutDays, opts.DocumentsLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch timed out records (%s): %w", role, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	updated, err := s.store.PromoteToDone(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("promote timed out records (%s): %w", role, err)
	}

	logger.Info().
		Str("role", role).
		Int("timeout_days", opts.TimeoutDays).
		Int64("updated", updated).
		Msg("timed out orphans promoted to done")
	return updated, nil
}

// groupByMessageID partitions the fetched documents by correlation id,
// preserving fetch order within each group. All documents of one messageId
// land in one group and therefore on one worker.
func groupByMessageID(docs []db.RawMessage) []*messageGroup {
	index := make(map[string]*messageGroup)
	var ordered []*messageGroup
	for _, doc := range docs {
		key := doc.GroupKey()
		g, ok := index[key]
		if !ok {
			g = &messageGroup{messageID: key}
			index[key] = g
			ordered = append(ordered, g)
		}
		g.documents = append(g.documents, doc)
	}
	return ordered
}

func observeResult(r Result) {
	metrics.DocumentsProcessedTotal.Add(float64(r.Fetched))
	metrics.DuplicatesTotal.Add(float64(r.Duplicates))
	metrics.PairsMatchedTotal.Add(float64(r.PairsMatched))
	metrics.OrphansCreatedTotal.Add(float64(r.OrphansCreated))
	metrics.TimeoutsPromotedTotal.Add(float64(r.TimedOutClient + r.TimedOutProducer))
	metrics.RawRemovedTotal.Add(float64(r.RemovedRaw))
	metrics.BatchDuration.Observe(r.Elapsed.Seconds())
	metrics.BatchesTotal.Inc()
}
