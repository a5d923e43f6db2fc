// Package audit implements the append-only audit trail (SPEC_FULL §2.5):
// every security-relevant operation is recorded with its subject, outcome,
// and request context, and can be queried back newest-first.
//
// Grounded on discovery/validation.go's verify-then-persist shape, with
// storage delegated to eventstore.Store rather than a bolt bucket directly.
package audit

import (
	"time"

	"github.com/settlemesh/connector/internal/eventstore"
)

const maxQueryResults = 1000

// Store is the subset of eventstore.Store the audit logger depends on.
type Store interface {
	AppendAudit(rec eventstore.AuditRecord) error
	QueryAudit(q eventstore.AuditQuery) ([]eventstore.AuditRecord, error)
}

// Entry mirrors eventstore.AuditRecord in the audit package's own
// vocabulary, keeping callers from importing eventstore directly.
type Entry struct {
	Timestamp time.Time
	Operation string
	SubjectID string
	Details   map[string]interface{}
	Result    string
	IPAddress string
	UserAgent string
}

// Logger appends and queries audit entries against a backing Store.
type Logger struct {
	store Store
	now   func() time.Time
}

// New constructs a Logger backed by store, using wall-clock time.
func New(store Store) *Logger {
	return NewWithClock(store, time.Now)
}

// NewWithClock constructs a Logger with a custom clock, for tests.
func NewWithClock(store Store, now func() time.Time) *Logger {
	return &Logger{store: store, now: now}
}

// Log records one audit entry. IP address and user agent are optional
// request-context fields; pass "" when unavailable.
func (l *Logger) Log(operation, subjectID string, details map[string]interface{}, result, ipAddress, userAgent string) error {
	return l.store.AppendAudit(eventstore.AuditRecord{
		Timestamp: l.now(),
		Operation: operation,
		SubjectID: subjectID,
		Details:   details,
		Result:    result,
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
}

// Query returns up to limit audit entries matching subjectID, operation,
// and [start, end], newest first, per SPEC_FULL §4.8's
// getAuditLog(subject?, op?, start?, end?). Any of subjectID, operation,
// start, end may be left at its zero value to leave that dimension
// unfiltered. limit is clamped to maxQueryResults.
func (l *Logger) Query(subjectID, operation string, start, end time.Time, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxQueryResults {
		limit = maxQueryResults
	}

	recs, err := l.store.QueryAudit(eventstore.AuditQuery{
		SubjectID: subjectID,
		Operation: operation,
		Start:     start,
		End:       end,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = Entry{
			Timestamp: r.Timestamp,
			Operation: r.Operation,
			SubjectID: r.SubjectID,
			Details:   r.Details,
			Result:    r.Result,
			IPAddress: r.IPAddress,
			UserAgent: r.UserAgent,
		}
	}
	return out, nil
}
