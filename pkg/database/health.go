package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports connectivity plus a snapshot of the sql.DB pool.
type HealthStatus struct {
	Status         string `json:"status"`
	PingMS         int64  `json:"ping_ms"`
	Error          string `json:"error,omitempty"`
	OpenConns      int    `json:"open_connections"`
	InUseConns     int    `json:"in_use"`
	IdleConns      int    `json:"idle"`
	WaitCount      int64  `json:"wait_count"`
	WaitDurationMS int64  `json:"wait_duration_ms"`
	MaxOpenConns   int    `json:"max_open_conns"`
}

const pingTimeout = 2 * time.Second

// Health pings the database and returns pool statistics. The ping is
// bounded by pingTimeout independently of the caller's deadline.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := db.PingContext(pingCtx)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return &HealthStatus{
			Status: "unhealthy",
			PingMS: elapsed,
			Error:  err.Error(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:         "healthy",
		PingMS:         elapsed,
		OpenConns:      stats.OpenConnections,
		InUseConns:     stats.InUse,
		IdleConns:      stats.Idle,
		WaitCount:      stats.WaitCount,
		WaitDurationMS: stats.WaitDuration.Milliseconds(),
		MaxOpenConns:   stats.MaxOpenConnections,
	}, nil
}
