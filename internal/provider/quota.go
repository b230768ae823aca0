package provider

import "fmt"

// QuotaInfo is a read-only view of a QuotaState
type QuotaInfo struct {
	Used       int `json:"used"`
	Limit      int `json:"limit"`
	Remaining  int `json:"remaining"`
	Percentage int `json:"percentage"`
}

// QuotaState tracks calls spent against a provider's limit. Each client owns one
// and only touches it from its own sequential submission loop.
type QuotaState struct {
	Used  int
	Limit int
}

// Remaining never goes below zero
func (q *QuotaState) Remaining() int {
	return max(q.Limit-q.Used, 0)
}

// Exhausted reports whether no calls are left
func (q *QuotaState) Exhausted() bool {
	return q.Used >= q.Limit
}

// Consume records n accepted URLs
func (q *QuotaState) Consume(n int) {
	q.Used += n
}

// Reset zeroes the used count
func (q *QuotaState) Reset() {
	q.Used = 0
}

// Split returns the prefix of urls that fits in the remaining quota and the excess
func (q *QuotaState) Split(urls []string) (allowed, excess []string) {
	n := min(q.Remaining(), len(urls))
	return urls[:n], urls[n:]
}

// Info returns a snapshot of the state
func (q *QuotaState) Info() QuotaInfo {
	info := QuotaInfo{Used: q.Used, Limit: q.Limit, Remaining: q.Remaining()}
	if q.Limit > 0 {
		info.Percentage = int(float64(q.Used)/float64(q.Limit)*100 + 0.5)
	}
	return info
}

// QuotaExhaustedError is reported for every URL when no quota is left
type QuotaExhaustedError struct {
	Provider Name
	Used     int
	Limit    int
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("%s: quota exhausted (%d/%d)", e.Provider, e.Used, e.Limit)
}

// QuotaInsufficientError is reported for URLs beyond the remaining quota
type QuotaInsufficientError struct {
	Provider  Name
	Remaining int
}

func (e *QuotaInsufficientError) Error() string {
	return fmt.Sprintf("%s: quota insufficient, only %d submissions remaining", e.Provider, e.Remaining)
}

// gate applies the quota to urls. Refused URLs are recorded as failures on result;
// the returned slice is what may be submitted. ok is false when nothing may be sent.
func (q *QuotaState) gate(name Name, urls []string, result *Result) (allowed []string, ok bool) {
	if q.Exhausted() {
		result.fail(urls, &QuotaExhaustedError{Provider: name, Used: q.Used, Limit: q.Limit}, 0)
		return nil, false
	}

	allowed, excess := q.Split(urls)
	if len(excess) > 0 {
		result.fail(excess, &QuotaInsufficientError{Provider: name, Remaining: q.Remaining()}, 0)
	}
	return allowed, true
}
