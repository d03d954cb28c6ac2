package correct

import (
	"context"

	"horse.fit/corrector/internal/db"
)

// Store is the persistence surface the engine needs. *db.Pool satisfies it;
// tests substitute an in-memory implementation.
type Store interface {
	FetchPendingRaw(ctx context.Context, limit int) ([]db.RawMessage, error)
	MarkCorrected(ctx context.Context, id int64) error
	DeleteRaw(ctx context.Context, ids []int64) (int64, error)

	HashExists(ctx context.Context, hash string) (bool, error)
	FindCandidates(ctx context.Context, doc *db.RawMessage, windowMS int64) ([]db.CleanRecord, error)
	InsertClean(ctx context.Context, rec *db.CleanRecord) error
	UpdateClean(ctx context.Context, rec *db.CleanRecord) error

	FetchTimedOut(ctx context.Context, role string, timeoutDays, limit int) ([]db.CleanRecord, error)
	PromoteToDone(ctx context.Context, ids []int64) (int64, error)
}

var _ Store = (*db.Pool)(nil)
