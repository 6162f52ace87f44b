package types

import "time"

// PeriodKind identifies the window a statistic summarises.
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodWeekly  PeriodKind = "weekly"
	PeriodMonthly PeriodKind = "monthly"
	PeriodYearly  PeriodKind = "yearly"
)

// StatSummary aggregates the tracks of one item over [Start, End).
type StatSummary struct {
	ItemID      int64        `json:"item_id"`
	Period      PeriodKind   `json:"period"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Checks      int          `json:"checks"`
	FoundChecks int          `json:"found_checks"`
	BestRank    *int         `json:"best_rank,omitempty"`
	WorstRank   *int         `json:"worst_rank,omitempty"`
	AvgRank     *float64     `json:"avg_rank,omitempty"`
	FoundRate   float64      `json:"found_rate"`
	AvgPrice    *float64     `json:"avg_price,omitempty"`
	Snapshot    []DailyPoint `json:"snapshot,omitempty"`
}

// DailyPoint is one day of the compact chart snapshot.
type DailyPoint struct {
	Date     string   `json:"d"`
	BestRank *int     `json:"r,omitempty"`
	AvgPrice *float64 `json:"p,omitempty"`
	Found    bool     `json:"f"`
}

// PurgeSummary reports what a history purge removed.
type PurgeSummary struct {
	Cutoff        time.Time `json:"cutoff"`
	TracksDeleted int64     `json:"tracks_deleted"`
	StatsDeleted  int64     `json:"stats_deleted"`
}

// Summarize aggregates tracks into a StatSummary. It returns nil when tracks is empty.
func Summarize(itemID int64, period PeriodKind, start, end time.Time, tracks []Track) *StatSummary {
	if len(tracks) == 0 {
		return nil
	}
	sum := &StatSummary{ItemID: itemID, Period: period, Start: start, End: end, Checks: len(tracks)}
	var (
		rankTotal  int
		priceTotal int
		priced     int
		best       int
		worst      int
	)
	for _, t := range tracks {
		p := t.Result.Placement
		if p == nil {
			continue
		}
		sum.FoundChecks++
		rankTotal += p.GlobalRank
		if best == 0 || p.GlobalRank < best {
			best = p.GlobalRank
		}
		if p.GlobalRank > worst {
			worst = p.GlobalRank
		}
		if p.Price > 0 {
			priceTotal += p.Price
			priced++
		}
	}
	sum.FoundRate = float64(sum.FoundChecks) / float64(sum.Checks)
	if sum.FoundChecks > 0 {
		avg := float64(rankTotal) / float64(sum.FoundChecks)
		sum.BestRank, sum.WorstRank, sum.AvgRank = &best, &worst, &avg
	}
	if priced > 0 {
		avg := float64(priceTotal) / float64(priced)
		sum.AvgPrice = &avg
	}
	return sum
}

// Snapshot builds one point per civil day in loc for the days days before
// end. Days without tracks are present with no rank. Tracks outside the
// window are ignored.
func Snapshot(tracks []Track, end time.Time, days int, loc *time.Location) []DailyPoint {
	if days <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	endLocal := end.In(loc)
	last := time.Date(endLocal.Year(), endLocal.Month(), endLocal.Day(), 0, 0, 0, 0, loc)
	if !last.Equal(endLocal) {
		// end falls inside a day; that day is the last one covered.
		last = last.AddDate(0, 0, 1)
	}
	first := last.AddDate(0, 0, -days)

	type bucket struct {
		best       int
		priceTotal int
		priced     int
		found      bool
	}
	buckets := make(map[string]*bucket, days)
	for _, t := range tracks {
		at := t.CheckedAt.In(loc)
		if at.Before(first) || !at.Before(last) {
			continue
		}
		key := at.Format(time.DateOnly)
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		p := t.Result.Placement
		if p == nil {
			continue
		}
		b.found = true
		if b.best == 0 || p.GlobalRank < b.best {
			b.best = p.GlobalRank
		}
		if p.Price > 0 {
			b.priceTotal += p.Price
			b.priced++
		}
	}

	points := make([]DailyPoint, 0, days)
	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		point := DailyPoint{Date: d.Format(time.DateOnly)}
		if b := buckets[point.Date]; b != nil {
			point.Found = b.found
			if b.best > 0 {
				best := b.best
				point.BestRank = &best
			}
			if b.priced > 0 {
				avg := float64(b.priceTotal) / float64(b.priced)
				point.AvgPrice = &avg
			}
		}
		points = append(points, point)
	}
	return points
}
