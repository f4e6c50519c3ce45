package domain

import (
	"fmt"
	"math"
)

// ProgressSnapshot is the (current, total) pair a batch publishes after each item.
type ProgressSnapshot struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (p ProgressSnapshot) Valid() bool {
	return p.Total > 0 && p.Current >= 0 && p.Current <= p.Total
}

// Percent returns current/total rounded to two decimals.
func (p ProgressSnapshot) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return math.Round(float64(p.Current)/float64(p.Total)*100) / 100
}

func (p ProgressSnapshot) String() string {
	return fmt.Sprintf("%d/%d", p.Current, p.Total)
}

func (p ProgressSnapshot) Done() bool { return p.Total > 0 && p.Current == p.Total }
