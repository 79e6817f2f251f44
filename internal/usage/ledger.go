// Package usage aggregates token counts and estimated cost per calendar
// day and per model. Every active thread writes here concurrently.
package usage

import (
	"sort"
	"sync"
	"time"
)

const dayKeyFormat = "2006-01-02"

// DayUsage is one calendar day's bucket.
type DayUsage struct {
	Date          string  `json:"date"` // YYYY-MM-DD
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	Sessions      int     `json:"sessions"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// ModelUsage is a model's cumulative bucket.
type ModelUsage struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// WeekTotal aggregates the trailing seven days.
type WeekTotal struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type Rates struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

type Ledger struct {
	mu            sync.Mutex
	days          map[string]*DayUsage
	models        map[string]*ModelUsage
	rates         Rates
	retentionDays int
	alertTokens   int64

	now func() time.Time
}

func NewLedger(rates Rates, retentionDays int) *Ledger {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Ledger{
		days:          make(map[string]*DayUsage),
		models:        make(map[string]*ModelUsage),
		rates:         rates,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// SetRates replaces the cost rates used for subsequent writes. Already
// accrued cost is never recomputed; each write uses the rate in effect at
// that time.
func (l *Ledger) SetRates(rates Rates) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates = rates
}

func (l *Ledger) SetRetention(days int) {
	if days <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retentionDays = days
}

// SetAlert sets the daily token alert threshold; 0 disables it.
func (l *Ledger) SetAlert(tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertTokens = tokens
}

// Record adds token deltas to today's bucket and the model's cumulative
// bucket, accruing cost at the current rates.
func (l *Ledger) Record(inputTokens, outputTokens int64, model string) {
	if inputTokens == 0 && outputTokens == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.now().Format(dayKeyFormat)
	day, ok := l.days[key]
	if !ok {
		day = &DayUsage{Date: key}
		l.days[key] = day
	}
	day.InputTokens += inputTokens
	day.OutputTokens += outputTokens
	day.EstimatedCost += float64(inputTokens)/1e6*l.rates.InputPerMTok +
		float64(outputTokens)/1e6*l.rates.OutputPerMTok

	if model != "" {
		m, ok := l.models[model]
		if !ok {
			m = &ModelUsage{Model: model}
			l.models[model] = m
		}
		m.InputTokens += inputTokens
		m.OutputTokens += outputTokens
	}

	l.pruneLocked()
}

// RecordSession counts one session start against today's bucket.
func (l *Ledger) RecordSession() {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.now().Format(dayKeyFormat)
	day, ok := l.days[key]
	if !ok {
		day = &DayUsage{Date: key}
		l.days[key] = day
	}
	day.Sessions++
	l.pruneLocked()
}

// Today returns the current calendar day's bucket, if any usage exists.
func (l *Ledger) Today() (DayUsage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day, ok := l.days[l.now().Format(dayKeyFormat)]
	if !ok {
		return DayUsage{}, false
	}
	return *day, true
}

// Week sums all day buckets dated within the trailing seven days,
// inclusive of the day exactly seven days ago.
func (l *Ledger) Week() WeekTotal {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().AddDate(0, 0, -7).Format(dayKeyFormat)
	var total WeekTotal
	for key, day := range l.days {
		if key < cutoff {
			continue
		}
		total.InputTokens += day.InputTokens
		total.OutputTokens += day.OutputTokens
		total.EstimatedCost += day.EstimatedCost
	}
	return total
}

// AlertExceeded reports whether today's total tokens passed the configured
// alert threshold.
func (l *Ledger) AlertExceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.alertTokens <= 0 {
		return false
	}
	day, ok := l.days[l.now().Format(dayKeyFormat)]
	if !ok {
		return false
	}
	return day.InputTokens+day.OutputTokens >= l.alertTokens
}

// Days returns all day buckets, oldest first.
func (l *Ledger) Days() []DayUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]DayUsage, 0, len(l.days))
	for _, day := range l.days {
		out = append(out, *day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Models returns the per-model cumulative buckets, sorted by name.
func (l *Ledger) Models() []ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ModelUsage, 0, len(l.models))
	for _, m := range l.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Restore replaces ledger contents from a persisted snapshot.
func (l *Ledger) Restore(days []DayUsage, models []ModelUsage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.days = make(map[string]*DayUsage, len(days))
	for i := range days {
		d := days[i]
		l.days[d.Date] = &d
	}
	l.models = make(map[string]*ModelUsage, len(models))
	for i := range models {
		m := models[i]
		l.models[m.Model] = &m
	}
	l.pruneLocked()
}

func (l *Ledger) pruneLocked() {
	horizon := l.now().AddDate(0, 0, -l.retentionDays).Format(dayKeyFormat)
	for key := range l.days {
		if key < horizon {
			delete(l.days, key)
		}
	}
}
