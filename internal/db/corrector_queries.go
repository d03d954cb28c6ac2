package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"horse.fit/corrector/internal/globaltime"
)

const millisPerDay = 24 * 60 * 60 * 1000

// FetchPendingRaw returns up to limit raw messages not yet consumed by the
// corrector, earliest requestInTs first.
func (p *Pool) FetchPendingRaw(ctx context.Context, limit int) ([]RawMessage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	var docs []RawMessage
	err := p.gdb.WithContext(ctx).
		Where("corrected IS NOT TRUE").
		Order("request_in_ts ASC NULLS FIRST").
		Limit(limit).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("query pending raw messages: %w", err)
	}
	return docs, nil
}

// InsertRaw appends one raw message to the inbox.
func (p *Pool) InsertRaw(ctx context.Context, doc *RawMessage) error {
	if doc == nil {
		return fmt.Errorf("raw message is nil")
	}
	if err := p.gdb.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("insert raw message: %w", err)
	}
	return nil
}

// MarkCorrected flags a raw message as consumed so later batches skip it.
func (p *Pool) MarkCorrected(ctx context.Context, id int64) error {
	const q = `UPDATE corrector.raw_messages SET corrected = TRUE WHERE id = $1`
	if _, err := p.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("mark raw message %d corrected: %w", id, err)
	}
	return nil
}

// DeleteRaw removes confirmed duplicate raw messages and reports how many
// rows went away.
func (p *Pool) DeleteRaw(ctx context.Context, ids []int64) (int64, error) {
	const q = `DELETE FROM corrector.raw_messages WHERE id = $1`

	var removed int64
	for _, id := range ids {
		tag, err := p.Exec(ctx, q, id)
		if err != nil {
			return removed, fmt.Errorf("delete raw message %d: %w", id, err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

// HashExists reports whether the content hash is already committed in either
// hash slot of the clean store.
func (p *Pool) HashExists(ctx context.Context, hash string) (bool, error) {
	const q = `
SELECT 1
FROM corrector.clean_records
WHERE client_hash = $1 OR producer_hash = $1
LIMIT 1
`
	var one int
	err := p.QueryRow(ctx, q, hash).Scan(&one)
	if IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query hash existence: %w", err)
	}
	return true, nil
}

// FindCandidates returns processing clean records sharing the document's
// messageId whose opposite-role slot is still empty and whose opposite-role
// requestInTs falls within windowMS of the document's. Nil requestInTs is
// treated as 0, which in practice matches nothing.
func (p *Pool) FindCandidates(ctx context.Context, doc *RawMessage, windowMS int64) ([]CleanRecord, error) {
	if doc == nil {
		return nil, fmt.Errorf("raw message is nil")
	}

	var ts int64
	if doc.RequestInTs != nil {
		ts = *doc.RequestInTs
	}
	start := ts - windowMS
	end := ts + windowMS

	role, _ := doc.Role()
	tx := p.gdb.WithContext(ctx).
		Where("message_id = ?", doc.GroupKey()).
		Where("corrector_status = ?", StatusProcessing)
	if role == RoleProducer {
		tx = tx.Where("producer_hash IS NULL").
			Where("client_request_in_ts >= ? AND client_request_in_ts <= ?", start, end)
	} else {
		tx = tx.Where("client_hash IS NULL").
			Where("producer_request_in_ts >= ? AND producer_request_in_ts <= ?", start, end)
	}

	var records []CleanRecord
	if err := tx.Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query match candidates: %w", err)
	}
	for i := range records {
		if err := records[i].DecodeSides(); err != nil {
			return nil, fmt.Errorf("decode candidate %d: %w", records[i].ID, err)
		}
	}
	return records, nil
}

// InsertClean commits a new clean record.
func (p *Pool) InsertClean(ctx context.Context, rec *CleanRecord) error {
	if rec == nil {
		return fmt.Errorf("clean record is nil")
	}
	if rec.RecordUUID == "" {
		rec.RecordUUID = uuid.NewString()
	}
	if err := rec.EncodeSides(); err != nil {
		return err
	}
	if err := p.gdb.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert clean record: %w", err)
	}
	return nil
}

// UpdateClean rewrites an existing clean record in place.
func (p *Pool) UpdateClean(ctx context.Context, rec *CleanRecord) error {
	if rec == nil || rec.ID == 0 {
		return fmt.Errorf("clean record has no id")
	}
	if err := rec.EncodeSides(); err != nil {
		return err
	}
	if err := p.gdb.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("update clean record %d: %w", rec.ID, err)
	}
	return nil
}

// FetchTimedOut returns processing records whose role-side requestInTs is
// older than timeoutDays. For the producer role only records with no
// client-side requestInTs qualify: those are the permanently unpaired ones.
func (p *Pool) FetchTimedOut(ctx context.Context, role string, timeoutDays, limit int) ([]CleanRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	ref := globaltime.Millis() - int64(timeoutDays)*millisPerDay

	tx := p.gdb.WithContext(ctx).Where("corrector_status = ?", StatusProcessing)
	switch role {
	case RoleClient:
		tx = tx.Where("client_request_in_ts < ?", ref)
	case RoleProducer:
		tx = tx.Where("client_request_in_ts IS NULL").
			Where("producer_request_in_ts < ?", ref)
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	var records []CleanRecord
	if err := tx.Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query timed out records (%s): %w", role, err)
	}
	return records, nil
}

// PromoteToDone forces processing records to done and stamps correctorTime.
func (p *Pool) PromoteToDone(ctx context.Context, ids []int64) (int64, error) {
	const q = `
UPDATE corrector.clean_records
SET corrector_status = $1, corrector_time = $2, updated_at = $2
WHERE id = $3
`
	now := globaltime.UTC()

	var updated int64
	for _, id := range ids {
		tag, err := p.Exec(ctx, q, StatusDone, now, id)
		if err != nil {
			return updated, fmt.Errorf("promote clean record %d: %w", id, err)
		}
		updated += tag.RowsAffected()
	}
	return updated, nil
}

// CorrectorCounts is the read model behind the status API.
type CorrectorCounts struct {
	RawPending int64 `json:"raw_pending"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
}

// QueryCorrectorCounts returns inbox and clean-store counters.
func (p *Pool) QueryCorrectorCounts(ctx context.Context) (*CorrectorCounts, error) {
	counts := &CorrectorCounts{}

	const rawQ = `SELECT count(*) FROM corrector.raw_messages WHERE corrected IS NOT TRUE`
	if err := p.QueryRow(ctx, rawQ).Scan(&counts.RawPending); err != nil {
		return nil, fmt.Errorf("count pending raw messages: %w", err)
	}

	const cleanQ = `SELECT corrector_status, count(*) FROM corrector.clean_records GROUP BY corrector_status`
	rows, err := p.Query(ctx, cleanQ)
	if err != nil {
		return nil, fmt.Errorf("count clean records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan clean record count: %w", err)
		}
		switch status {
		case StatusProcessing:
			counts.Processing = n
		case StatusDone:
			counts.Done = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clean record counts: %w", err)
	}

	return counts, nil
}
