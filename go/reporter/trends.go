package reporter

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// TrafficRow is one day of traffic metrics. Nil metrics were absent
// from the source response.
type TrafficRow struct {
	TS            float64
	PageViewsPM   *float64
	PageViewsUser *float64
	Rank          *float64
	Reach         *float64
}

// TrendKey selects which metric a trend is computed over.
type TrendKey int

const (
	TrendPageViews TrendKey = iota
	TrendRank
)

func (k TrendKey) of(row TrafficRow) *float64 {
	if k == TrendRank {
		return row.Rank
	}
	return row.PageViewsPM
}

// TrafficTrend measures how far the extreme value of a metric sits
// from the average of the days after it. Downtrends anchor on the
// best value (highest page views, lowest rank), uptrends on the worst.
// Rows without the metric, zero included, do not contribute. The month
// window (the epochRanges bounds) is nominal: every dated row
// contributes, so the one and three month variants of a trend share
// values.
func TrafficTrend(rows []TrafficRow, months int, key TrendKey, downtrend bool) float64 {
	var items []TrafficRow
	for _, row := range rows {
		if value := key.of(row); value != nil && *value != 0 {
			items = append(items, row)
		}
	}
	if len(items) == 0 {
		return 0
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].TS < items[j].TS })

	// Page-view downtrends and rank uptrends anchor on the maximum;
	// the mirrored cases anchor on the minimum.
	var wantMin = (key == TrendPageViews && !downtrend) || (key == TrendRank && downtrend)
	var negator = 1.0
	if wantMin {
		negator = -1.0
	}

	// First extreme wins on ties.
	var extremeIndex = 0
	for i := 1; i < len(items); i++ {
		var candidate, extreme = *key.of(items[i]), *key.of(items[extremeIndex])
		if (wantMin && candidate < extreme) || (!wantMin && candidate > extreme) {
			extremeIndex = i
		}
	}

	var total float64
	for _, row := range items[extremeIndex+1:] {
		total += *key.of(row)
	}
	var average = total / float64(len(items)-extremeIndex+1)
	var delta = *key.of(items[extremeIndex]) - negator*average
	return round2(delta)
}

func round2(f float64) float64 {
	var rounded, _ = strconv.ParseFloat(fmt.Sprintf("%.2f", f), 64)
	return rounded
}

// epochRanges bounds the reporting window ending the last day of the
// month before now and starting the first day months earlier.
func epochRanges(now time.Time, months int) (start, end float64) {
	var first = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var endMonth = first.AddDate(0, 0, -1)

	var index = endMonth.Year()*12 + int(endMonth.Month()) - 1 - months
	var startMonth = time.Date(index/12, time.Month(index%12+1), 1, 0, 0, 0, 0, time.UTC)

	return float64(startMonth.Unix()), float64(time.Date(
		endMonth.Year(), endMonth.Month(), endMonth.Day(), 0, 0, 0, 0, time.UTC).Unix())
}
