/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package aggregator

import "math"

type Majority string

const (
	MajorityYes Majority = "Yes"
	MajorityNo  Majority = "No"
	MajorityTie Majority = "Tie"
)

// Tally summarizes the judgments recorded for one question.
type Tally struct {
	YesCount   int      `json:"yesCount"`
	NoCount    int      `json:"noCount"`
	Total      int      `json:"total"`
	YesPercent int      `json:"yesPercent"`
	NoPercent  int      `json:"noPercent"`
	Majority   Majority `json:"majority"`
}

// TallyOf computes a Tally from a judgment sequence. Percentages are rounded
// to the nearest integer and are both zero when there are no judgments.
func TallyOf(judgments []bool) Tally {
	var t Tally

	for _, j := range judgments {
		if j {
			t.YesCount++
		} else {
			t.NoCount++
		}
	}
	t.Total = t.YesCount + t.NoCount

	if t.Total > 0 {
		t.YesPercent = percent(t.YesCount, t.Total)
		t.NoPercent = percent(t.NoCount, t.Total)
	}

	switch {
	case t.YesCount > t.NoCount:
		t.Majority = MajorityYes
	case t.NoCount > t.YesCount:
		t.Majority = MajorityNo
	default:
		t.Majority = MajorityTie
	}

	return t
}

func percent(n, total int) int {
	return int(math.Round(float64(n) / float64(total) * 100))
}
