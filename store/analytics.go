package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/core/models"
)

const sqlAnalyticsStatuses = `
SELECT status, count(*) AS count
  FROM delivery_records
 WHERE created_at >= $1 AND status != 'deleted'
 GROUP BY status`

const sqlAnalyticsTimes = `
SELECT COALESCE(avg(extract(epoch FROM (delivered_at - sent_at))), 0)   AS avg_delivery,
       COALESCE(avg(extract(epoch FROM (read_at - delivered_at))), 0)   AS avg_read
  FROM delivery_records
 WHERE created_at >= $1 AND status != 'deleted'`

const sqlAnalyticsErrors = `
SELECT error_code, count(*) AS count
  FROM delivery_records
 WHERE created_at >= $1 AND status != 'deleted' AND error_code IS NOT NULL AND error_code != ''
 GROUP BY error_code
 ORDER BY count DESC`

// Analytics computes the delivery rollup over the trailing window. All reads happen in
// one repeatable-read transaction so concurrent writers can't skew the rates.
func (s *Store) Analytics(ctx context.Context, window time.Duration) (*models.Analytics, error) {
	since := time.Now().Add(-window)

	tx, err := s.rt.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a := &models.Analytics{ByStatus: map[herald.DeliveryStatus]int{}}

	rows, err := tx.QueryxContext(ctx, sqlAnalyticsStatuses, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status herald.DeliveryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		a.ByStatus[status] = count
		a.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	times := &struct {
		AvgDelivery float64 `db:"avg_delivery"`
		AvgRead     float64 `db:"avg_read"`
	}{}
	if err := tx.GetContext(ctx, times, sqlAnalyticsTimes, since); err != nil {
		return nil, err
	}
	a.AvgDeliveryTime = times.AvgDelivery
	a.AvgReadTime = times.AvgRead

	errCounts := []models.ErrorCount{}
	if err := tx.SelectContext(ctx, &errCounts, sqlAnalyticsErrors, since); err != nil {
		return nil, err
	}
	a.Errors = errCounts

	a.ComputeRates()
	return a, tx.Commit()
}
