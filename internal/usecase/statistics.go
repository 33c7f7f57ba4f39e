package usecase

import (
	"context"
	"fmt"

	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/offlinequeue"
)

// StatsService serves the operator statistics endpoints. Aggregates are
// computed fresh from the store on every call.
type StatsService struct {
	Jobs  domain.PrintJobRepository
	Queue *offlinequeue.Service
}

// NewStatsService constructs a StatsService with its repositories.
func NewStatsService(jobs domain.PrintJobRepository, queue *offlinequeue.Service) StatsService {
	return StatsService{Jobs: jobs, Queue: queue}
}

// QueueOverview pairs the raw queue aggregate with the recovery-oriented
// backlog view.
type QueueOverview struct {
	Stats    domain.QueueStats
	Recovery offlinequeue.RecoveryStats
}

// JobStatistics returns the print-job aggregate.
func (s StatsService) JobStatistics(ctx context.Context) (domain.JobStats, error) {
	st, err := s.Jobs.JobStatistics(ctx)
	if err != nil {
		return domain.JobStats{}, fmt.Errorf("op=usecase.JobStatistics: %w", err)
	}
	return st, nil
}

// QueueStatistics returns the offline-queue aggregate plus the backlog
// urgency summary used by dashboards and the recovery endpoint.
func (s StatsService) QueueStatistics(ctx context.Context) (QueueOverview, error) {
	st, err := s.Queue.Statistics(ctx)
	if err != nil {
		return QueueOverview{}, fmt.Errorf("op=usecase.QueueStatistics: %w", err)
	}
	rec, err := s.Queue.RecoveryStatistics(ctx)
	if err != nil {
		return QueueOverview{}, fmt.Errorf("op=usecase.QueueStatistics: %w", err)
	}
	return QueueOverview{Stats: st, Recovery: rec}, nil
}
