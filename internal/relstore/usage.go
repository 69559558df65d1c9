package relstore

import "time"

// UsageRecord tracks one paid-AI call's token spend, matching spec.md §3's
// UsageRecord entity. Period is a "YYYY-MM" bucket, matching the teacher's
// calendar-month accounting for the monthly ceiling (§4.I Token Governor).
type UsageRecord struct {
	Period       string
	Provider     string
	Model        string
	Operation    string // "embed", "chat", "transcribe"
	InputTokens  int64
	OutputTokens int64
}

// RecordUsage appends one UsageRecord.
func (db *DB) RecordUsage(u UsageRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`
		INSERT INTO usage_records (period, provider, model, operation, input_tokens, output_tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Period, u.Provider, u.Model, u.Operation, u.InputTokens, u.OutputTokens, time.Now().Unix(),
	)
	return err
}

// PeriodTotal returns the summed input+output tokens recorded for period.
func (db *DB) PeriodTotal(period string) (int64, error) {
	var total int64
	err := db.conn.QueryRow(`
		SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM usage_records WHERE period = ?`,
		period,
	).Scan(&total)
	return total, err
}

// CurrentPeriod returns the current calendar-month bucket key.
func CurrentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}
