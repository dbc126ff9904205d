// Package features turns one application's silver rows into the data map
// sent to the decision engine.
package features

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/lake"
)

const (
	colDate    = "date"
	colAmount  = "amount"
	colBalance = "balance"

	window = 90 * 24 * time.Hour
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
}

func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

type dated struct {
	at      time.Time
	ok      bool
	amount  float64
	balance float64
	hasBal  bool
}

// Summarize aggregates rows into revenue, debit and balance metrics. Revenue
// is the sum of positive amounts, debits the absolute sum of negative ones.
// The 90-day windows count back from the latest parseable date in rows.
func Summarize(email, requestID string, rows []lake.Record) map[string]any {
	items := make([]dated, len(rows))
	var latest time.Time
	for i, r := range rows {
		d := dated{}
		d.at, d.ok = parseDate(r[colDate])
		if f, ok := lake.ToFloat(r[colAmount]); ok && !math.IsNaN(f) {
			d.amount = f
		}
		if f, ok := lake.ToFloat(r[colBalance]); ok && !math.IsNaN(f) {
			d.balance, d.hasBal = f, true
		}
		if d.ok && d.at.After(latest) {
			latest = d.at
		}
		items[i] = d
	}

	var revTotal, revRecent, revPrior, debTotal, debRecent, debPrior float64
	for _, d := range items {
		recent, prior := false, false
		if d.ok {
			age := latest.Sub(d.at)
			recent = age < window
			prior = age >= window && age < 2*window
		}
		switch {
		case d.amount > 0:
			revTotal += d.amount
			if recent {
				revRecent += d.amount
			} else if prior {
				revPrior += d.amount
			}
		case d.amount < 0:
			debTotal -= d.amount
			if recent {
				debRecent -= d.amount
			} else if prior {
				debPrior -= d.amount
			}
		}
	}

	mostRecent, avgDaily := balances(items)
	return map[string]any{
		"request_id":             requestID,
		"email":                  email,
		"revenue_total":          round2(revTotal),
		"revenue_recent_90_days": round2(revRecent),
		"revenue_91_to_180_days": round2(revPrior),
		"debits_total":           round2(debTotal),
		"debits_recent_90_days":  round2(debRecent),
		"debits_91_to_180_days":  round2(debPrior),
		"transaction_count":      len(rows),
		"most_recent_balance":    round2(mostRecent),
		"average_daily_balance":  round2(avgDaily),
	}
}

// balances returns the closing balance of the latest day and the mean of the
// closing balances of every day that has one. The closing balance of a day is
// the last row for that day in input order.
func balances(items []dated) (float64, float64) {
	closing := make(map[time.Time]float64)
	for _, d := range items {
		if d.ok && d.hasBal {
			day := time.Date(d.at.Year(), d.at.Month(), d.at.Day(), 0, 0, 0, 0, time.UTC)
			closing[day] = d.balance
		}
	}
	if len(closing) == 0 {
		return 0, 0
	}
	days := make([]time.Time, 0, len(closing))
	var sum float64
	for day, b := range closing {
		days = append(days, day)
		sum += b
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return closing[days[len(days)-1]], sum / float64(len(closing))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
