package models

import "github.com/heraldhq/herald"

// ErrorCount is one bucket of the per-error-code histogram
type ErrorCount struct {
	ErrorCode string `db:"error_code" json:"error_code"`
	Count     int    `db:"count"      json:"count"`
}

// Analytics is the rollup of delivery outcomes over a time window. Rates are over all
// non-deleted records in the window, times are averages in seconds over records which
// have the timestamps to compute them.
type Analytics struct {
	Total           int                           `json:"total"`
	ByStatus        map[herald.DeliveryStatus]int `json:"by_status"`
	DeliveryRate    float64                       `json:"delivery_rate"`
	ReadRate        float64                       `json:"read_rate"`
	FailureRate     float64                       `json:"failure_rate"`
	AvgDeliveryTime float64                       `json:"avg_delivery_time"`
	AvgReadTime     float64                       `json:"avg_read_time"`
	Errors          []ErrorCount                  `json:"errors"`
}

// computes the rates once totals are in place
func (a *Analytics) ComputeRates() {
	if a.Total == 0 {
		return
	}
	a.DeliveryRate = float64(a.ByStatus[herald.StatusDelivered]+a.ByStatus[herald.StatusRead]) / float64(a.Total)
	a.ReadRate = float64(a.ByStatus[herald.StatusRead]) / float64(a.Total)
	a.FailureRate = float64(a.ByStatus[herald.StatusFailed]) / float64(a.Total)
}
