package domain

import "time"

// QuarantineRecord tracks a document isolated after exhausting its retry
// budget or failing permanently. ErrorContext snapshots the most recent
// error records at quarantine time so the entry stays inspectable even if
// the log is later pruned.
type QuarantineRecord struct {
	ID                 string        `db:"id" json:"id"`
	FileID             string        `db:"file_id" json:"file_id"`
	OriginalLocation   string        `db:"original_location" json:"original_location"`
	QuarantineLocation string        `db:"quarantine_location" json:"quarantine_location"`
	Reason             string        `db:"reason" json:"reason"`
	ErrorContext       []ErrorRecord `db:"-" json:"error_context,omitempty"`
	QuarantinedAt      time.Time     `db:"quarantined_at" json:"quarantined_at"`
	ResolvedAt         *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Open reports whether the record is still awaiting resolution.
func (r *QuarantineRecord) Open() bool {
	return r.ResolvedAt == nil
}
