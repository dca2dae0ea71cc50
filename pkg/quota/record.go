package quota

import "time"

// Counter periods. A month is a flat 30 days from the record's reset point.
const (
	DailyPeriod   = 24 * time.Hour
	MonthlyPeriod = 30 * 24 * time.Hour
)

// Reason names the counter that rejected a request.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonDaily   Reason = "daily"
	ReasonMonthly Reason = "monthly"
)

// Limits are the per-client request ceilings. Zero disables a counter.
type Limits struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// Record is a client's quota state.
type Record struct {
	DailyCount     int64     `json:"daily_count"`
	MonthlyCount   int64     `json:"monthly_count"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Record  Record `json:"record"`

	// FailOpen is true when the store failed and the request was let through.
	FailOpen bool `json:"fail_open,omitempty"`
}

// RetryAfter returns the time until the rejecting counter resets.
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	var at time.Time
	switch d.Reason {
	case ReasonDaily:
		at = d.Record.DailyResetAt
	case ReasonMonthly:
		at = d.Record.MonthlyResetAt
	default:
		return 0
	}
	if wait := at.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

func newRecord(now time.Time) Record {
	return Record{
		DailyResetAt:   now.Add(DailyPeriod),
		MonthlyResetAt: now.Add(MonthlyPeriod),
	}
}

// rollover zeroes counters whose reset point has passed.
func (r *Record) rollover(now time.Time) {
	if !now.Before(r.DailyResetAt) {
		r.DailyCount = 0
		r.DailyResetAt = now.Add(DailyPeriod)
	}
	if !now.Before(r.MonthlyResetAt) {
		r.MonthlyCount = 0
		r.MonthlyResetAt = now.Add(MonthlyPeriod)
	}
}

// admit applies rollover, checks daily then monthly, and increments both on
// success. Counters are untouched on rejection.
func (r *Record) admit(limits Limits, now time.Time) Decision {
	r.rollover(now)

	switch {
	case limits.Daily > 0 && r.DailyCount >= limits.Daily:
		return Decision{Reason: ReasonDaily, Record: *r}
	case limits.Monthly > 0 && r.MonthlyCount >= limits.Monthly:
		return Decision{Reason: ReasonMonthly, Record: *r}
	}

	r.DailyCount++
	r.MonthlyCount++
	return Decision{Allowed: true, Record: *r}
}

func (r *Record) refund() {
	if r.DailyCount > 0 {
		r.DailyCount--
	}
	if r.MonthlyCount > 0 {
		r.MonthlyCount--
	}
}
