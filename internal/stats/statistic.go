package stats

import "time"

const realtimeWindow = time.Second

// Breakdown splits a cumulative value by hit classification.
type Breakdown struct {
	Normal    int64 `json:"normal"`
	Critical  int64 `json:"critical"`
	Lucky     int64 `json:"lucky"`
	CritLucky int64 `json:"crit_lucky"`
	HpLessen  int64 `json:"hpLessen"`
	Total     int64 `json:"total"`
}

// Counts splits an event count by hit classification. The four classes are
// exclusive, so Normal+Critical+Lucky+CritLucky == Total.
type Counts struct {
	Normal    int64 `json:"normal"`
	Critical  int64 `json:"critical"`
	Lucky     int64 `json:"lucky"`
	CritLucky int64 `json:"crit_lucky"`
	Total     int64 `json:"total"`
}

func (c Counts) add(o Counts) Counts {
	return Counts{
		Normal:    c.Normal + o.Normal,
		Critical:  c.Critical + o.Critical,
		Lucky:     c.Lucky + o.Lucky,
		CritLucky: c.CritLucky + o.CritLucky,
		Total:     c.Total + o.Total,
	}
}

type sample struct {
	at    time.Time
	value int64
}

// Statistic is one running aggregate: cumulative totals and counts, a
// realtime window and the time range used for the overall rate.
type Statistic struct {
	Type    string
	Element string
	Name    string

	Stats Breakdown
	Count Counts

	window      []sample
	noWindow    bool
	first, last time.Time

	realtime    int64
	realtimeMax int64
}

// NewStatistic creates an aggregate. Per-skill aggregates pass keepWindow
// false since their realtime rate is never shown.
func NewStatistic(typ, element, name string, keepWindow bool) *Statistic {
	return &Statistic{Type: typ, Element: element, Name: name, noWindow: !keepWindow}
}

// Add records one hit at now.
func (s *Statistic) Add(value int64, crit, lucky bool, hpLessen int64, now time.Time) {
	switch {
	case crit && lucky:
		s.Stats.CritLucky += value
		s.Count.CritLucky++
	case crit:
		s.Stats.Critical += value
		s.Count.Critical++
	case lucky:
		s.Stats.Lucky += value
		s.Count.Lucky++
	default:
		s.Stats.Normal += value
		s.Count.Normal++
	}
	s.Stats.Total += value
	s.Stats.HpLessen += hpLessen
	s.Count.Total++

	if !s.noWindow {
		s.window = append(s.window, sample{at: now, value: value})
	}

	if s.first.IsZero() {
		s.first = now
	} else {
		s.last = now
	}
}

// UpdateRealtime prunes samples older than one second at now, recomputes
// the window sum and raises the running maximum.
func (s *Statistic) UpdateRealtime(now time.Time) {
	drop := 0
	for drop < len(s.window) && now.Sub(s.window[drop].at) > realtimeWindow {
		drop++
	}
	if drop > 0 {
		s.window = append(s.window[:0], s.window[drop:]...)
	}

	var sum int64
	for _, e := range s.window {
		sum += e.value
	}
	s.realtime = sum
	if sum > s.realtimeMax {
		s.realtimeMax = sum
	}
}

// Realtime returns the window sum as of the last UpdateRealtime.
func (s *Statistic) Realtime() int64 { return s.realtime }

// RealtimeMax returns the highest window sum seen.
func (s *Statistic) RealtimeMax() int64 { return s.realtimeMax }

// PerSecond returns total / (last - first). It is 0 until two hits with
// distinct times have been recorded.
func (s *Statistic) PerSecond() float64 {
	if s.first.IsZero() || s.last.IsZero() {
		return 0
	}
	elapsed := s.last.Sub(s.first)
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Stats.Total) / elapsed.Seconds()
}

// Reset zeroes the aggregate but keeps its labels.
func (s *Statistic) Reset() {
	*s = Statistic{Type: s.Type, Element: s.Element, Name: s.Name, noWindow: s.noWindow}
}
