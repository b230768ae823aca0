package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind is the classification bucket for a failed operation
type Kind string

const (
	KindNetwork    Kind = "NETWORK_ERROR"
	KindAuth       Kind = "AUTH_ERROR"
	KindPermission Kind = "PERMISSION_ERROR"
	KindQuota      Kind = "QUOTA_ERROR"
	KindServer     Kind = "SERVER_ERROR"
	KindRequest    Kind = "REQUEST_ERROR"
	KindUnknown    Kind = "UNKNOWN_ERROR"
)

// Kinds lists every bucket in reporting order
var Kinds = []Kind{KindNetwork, KindAuth, KindPermission, KindQuota, KindServer, KindRequest, KindUnknown}

// Retryable reports whether operations failing with this kind may succeed on a later attempt
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer, KindQuota:
		return true
	default:
		return false
	}
}

// statusCoder is implemented by errors carrying an HTTP response status
type statusCoder interface {
	HTTPStatus() int
}

// permanent is implemented by errors that describe bad input rather than a transient fault
type permanent interface {
	Permanent() bool
}

// messageCarrier is implemented by errors that carry a remote error message separate from Error()
type messageCarrier interface {
	RemoteMessage() string
}

// Classify maps err to a Kind. Structured information (exhausted retry errors, HTTP
// status, timeouts, network errors) is checked first, then the error text.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var retryErr *Error
	if errors.As(err, &retryErr) {
		return retryErr.Kind
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() != 0 {
		message := ""
		var mc messageCarrier
		if errors.As(err, &mc) {
			message = mc.RemoteMessage()
		}
		return KindForStatus(sc.HTTPStatus(), message)
	}

	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return KindRequest
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	return ClassifyMessage(err.Error())
}

// KindForStatus maps an HTTP status to a Kind. A 403 whose message mentions quota is
// a quota error, otherwise a permission error.
func KindForStatus(status int, message string) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindRequest
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		if strings.Contains(strings.ToLower(message), "quota") {
			return KindQuota
		}
		return KindPermission
	case status == http.StatusTooManyRequests:
		return KindQuota
	case status >= 500 && status <= 599:
		return KindServer
	case status >= 400 && status <= 499:
		return KindRequest
	default:
		return KindUnknown
	}
}

// Substring rules, checked in order. The first matching rule wins.
var messageRules = []struct {
	kind     Kind
	patterns []string
}{
	{KindNetwork, []string{"timeout", "econnaborted", "network", "connection"}},
	{KindAuth, []string{"unauthorized", "authentication", "invalid credentials", "401"}},
	{KindPermission, []string{"forbidden", "permission", "403"}},
	{KindQuota, []string{"quota", "rate limit", "429"}},
	{KindServer, []string{"500", "502", "503", "504", "server error"}},
	{KindRequest, []string{"400", "bad request", "invalid"}},
}

// ClassifyMessage classifies a bare error message
func ClassifyMessage(message string) Kind {
	lower := strings.ToLower(message)
	for _, rule := range messageRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lower, pattern) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// Error is returned once an operation has failed for good. It keeps the last
// underlying error so errors.As still reaches typed causes.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Outcome is one operation's result as seen by BuildReport
type Outcome struct {
	Success bool
	Kinds   []Kind
}

// Summary holds the operation counts of a Report
type Summary struct {
	TotalOperations      int `json:"totalOperations"`
	SuccessfulOperations int `json:"successfulOperations"`
	FailedOperations     int `json:"failedOperations"`
	SuccessRate          int `json:"successRate"`
}

// Report is an error breakdown with operator recommendations
type Report struct {
	Timestamp       time.Time    `json:"timestamp"`
	Summary         Summary      `json:"summary"`
	ErrorBreakdown  map[Kind]int `json:"errorBreakdown"`
	Recommendations []string     `json:"recommendations"`
}

var recommendations = map[Kind]string{
	KindNetwork:    "Check network connectivity and firewall settings",
	KindAuth:       "Verify API keys and authentication configuration",
	KindPermission: "Check API permissions and service account configuration",
	KindQuota:      "Check API quota usage; raise the quota or submit less often",
	KindServer:     "The API server may be having problems; try again later",
	KindRequest:    "Check the request format and parameters",
}

// BuildReport summarises outcomes. Error kinds are only counted for failed operations.
func BuildReport(outcomes []Outcome) Report {
	report := Report{
		Timestamp:      time.Now().UTC(),
		ErrorBreakdown: make(map[Kind]int),
	}

	for _, o := range outcomes {
		report.Summary.TotalOperations++
		if o.Success {
			report.Summary.SuccessfulOperations++
			continue
		}
		report.Summary.FailedOperations++
		for _, k := range o.Kinds {
			report.ErrorBreakdown[k]++
		}
	}

	if report.Summary.TotalOperations > 0 {
		report.Summary.SuccessRate = percent(report.Summary.SuccessfulOperations, report.Summary.TotalOperations)
	}

	report.Recommendations = []string{}
	for _, k := range Kinds {
		if report.ErrorBreakdown[k] == 0 {
			continue
		}
		if rec, ok := recommendations[k]; ok {
			report.Recommendations = append(report.Recommendations, rec)
		}
	}

	return report
}

// KindCount pairs a kind with its number of occurrences
type KindCount struct {
	Kind  Kind `json:"type"`
	Count int  `json:"count"`
}

// Tally counts kinds, logs the breakdown and the three most common kinds, and
// returns the counts sorted by frequency
func Tally(kinds []Kind) []KindCount {
	if len(kinds) == 0 {
		return nil
	}

	counts := make(map[Kind]int)
	for _, k := range kinds {
		if k == "" {
			k = KindUnknown
		}
		counts[k]++
	}

	sorted := make([]KindCount, 0, len(counts))
	for _, k := range Kinds {
		if counts[k] > 0 {
			sorted = append(sorted, KindCount{Kind: k, Count: counts[k]})
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })

	event := log.Warn()
	for _, kc := range sorted {
		event = event.Int(string(kc.Kind), kc.Count)
	}
	event.Msg("Error statistics")

	top := sorted[:min(3, len(sorted))]
	for i, kc := range top {
		log.Warn().
			Int("rank", i+1).
			Str("error_kind", string(kc.Kind)).
			Int("count", kc.Count).
			Msg("Most common error kind")
	}

	return sorted
}

func percent(part, total int) int {
	return int(float64(part)/float64(total)*100 + 0.5)
}
