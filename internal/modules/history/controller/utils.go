package controller

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"thlogger-gateway/internal/export"
	"thlogger-gateway/internal/measurement"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	historyLimit = 20
	statsLimit   = export.MaxRecords
)

// deviceID normalises the {id} path value to the scanner's upper-case form.
func deviceID(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.PathValue("id")))
}

// parseWindow reads either a named range or explicit RFC3339 from/to bounds.
// Zero bounds are open.
func parseWindow(r *http.Request, now time.Time, fallback measurement.Range) (from, to time.Time, err error) {
	q := r.URL.Query()
	name := q.Get("range")
	fromS, toS := q.Get("from"), q.Get("to")

	if name != "" && (fromS != "" || toS != "") {
		return time.Time{}, time.Time{}, errors.New("use either 'range' or 'from'/'to', not both")
	}
	if fromS == "" && toS == "" {
		rg := fallback
		if name != "" {
			rg, err = measurement.ParseRange(name)
			if err != nil {
				return time.Time{}, time.Time{}, err
			}
		}
		from, to = rg.Bounds(now)
		return from, to, nil
	}

	if fromS != "" {
		from, err = time.Parse(time.RFC3339, fromS)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid 'from' (expected RFC3339)")
		}
	}
	if toS != "" {
		to, err = time.Parse(time.RFC3339, toS)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid 'to' (expected RFC3339)")
		}
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, errors.New("'from' must be <= 'to'")
	}
	return from, to, nil
}

func parsePaging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultLimit
	if s := q.Get("limit"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, 0, errors.New("invalid 'limit' (expected integer)")
		}
		if n <= 0 {
			return 0, 0, errors.New("'limit' must be > 0")
		}
		if n > maxLimit {
			return 0, 0, errors.New("'limit' must be <= 1000")
		}
		limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, 0, errors.New("invalid 'offset' (expected integer)")
		}
		if n < 0 {
			return 0, 0, errors.New("'offset' must be >= 0")
		}
		offset = n
	}
	return limit, offset, nil
}

func zeroAsNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
