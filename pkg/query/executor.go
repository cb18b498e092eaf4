package query

import (
	"context"
	"fmt"

	"github.com/nicktill/flightreduce/pkg/storage"
	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Executor runs record queries and assembles log overviews.
type Executor struct {
	store storage.Store
}

// NewExecutor creates a new query executor
func NewExecutor(store storage.Store) *Executor {
	return &Executor{store: store}
}

// Result is the outcome of one record query.
type Result struct {
	LogID   string           `json:"log_id"`
	Kind    Kind             `json:"kind"`
	Limit   int              `json:"limit"`
	Count   int              `json:"count"`
	Records []storage.Record `json:"records"`
}

// Execute runs req against the store.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	q, err := req.RecordQuery()
	if err != nil {
		return nil, err
	}

	records, err := e.store.QueryRecords(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	if records == nil {
		records = []storage.Record{}
	}

	kind := req.Kind
	if kind == "" {
		kind = KindRecent
	}
	return &Result{
		LogID:   req.LogID,
		Kind:    kind,
		Limit:   q.Limit,
		Count:   len(records),
		Records: records,
	}, nil
}

// Overview is everything known about a reduced log except its records.
type Overview struct {
	LogID      string                         `json:"log_id"`
	Totals     telemetry.Totals               `json:"totals"`
	Statistics []telemetry.FlightStatistic    `json:"statistics"`
	Phases     []telemetry.FlightPhase        `json:"phases"`
	Summaries  []telemetry.MessageTypeSummary `json:"summaries"`
}

// Overview loads a log's statistics, phases and summaries.
func (e *Executor) Overview(ctx context.Context, logID string) (*Overview, error) {
	stats, err := e.store.Statistics(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to load statistics: %w", err)
	}
	phases, err := e.store.Phases(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phases: %w", err)
	}
	summaries, err := e.store.Summaries(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to load summaries: %w", err)
	}

	report := telemetry.Report{LogID: logID, Statistics: stats, Phases: phases, Summaries: summaries}
	return &Overview{
		LogID:      logID,
		Totals:     report.Totals(),
		Statistics: stats,
		Phases:     phases,
		Summaries:  summaries,
	}, nil
}
