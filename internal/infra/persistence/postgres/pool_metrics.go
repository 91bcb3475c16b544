package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/coreflow/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"coreflow.db.pool.connections", "Total connections (idle + acquired + constructing)", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"coreflow.db.pool.idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"coreflow.db.pool.acquired", "Connections held by event and dead-letter queries", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"coreflow.db.pool.constructing", "Connections currently being constructed", func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
	{"coreflow.db.pool.acquire_waits", "Acquires that had to wait for a free connection", func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() }},
}

// ObservePoolMetrics registers gauges reporting pool health. One callback reads
// pool.Stat once per collection and feeds every gauge.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(telemetry.PoolAttributes(telemetry.Environment(), name)...)

	meter := otel.Meter("coreflow/postgres")
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	observables := make([]metric.Observable, 0, len(poolGauges))
	var errList []error
	for _, def := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(def.name,
			metric.WithDescription(def.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", def.name, err))
			gauge = nil
		}
		gauges = append(gauges, gauge)
		if gauge != nil {
			observables = append(observables, gauge)
		}
	}
	if len(observables) == 0 {
		return errors.Join(errList...)
	}
	_, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		for i, def := range poolGauges {
			if gauges[i] != nil {
				observer.ObserveInt64(gauges[i], def.read(stat), attrs)
			}
		}
		return nil
	}, observables...)
	if err != nil {
		errList = append(errList, fmt.Errorf("register pool callback: %w", err))
	}
	return errors.Join(errList...)
}
