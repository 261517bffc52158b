package service

import (
	"context"
	"time"

	"clinic-reconciler/internal/domain/entity"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// RedisDashboardKeyPrefix prefixes each patient's cached booking view.
	RedisDashboardKeyPrefix = "dashboard:"

	// Timeout for individual Redis operations
	redisInvalidateTimeout = 5 * time.Second
)

// CacheInvalidator drops derived per-patient views after a correction.
type CacheInvalidator interface {
	// Invalidate is best effort: failures are logged and never returned.
	Invalidate(ctx context.Context, patientIDs ...entity.PatientIdentity)
}

type cacheInvalidator struct {
	redisClient *redis.Client
	log         *logrus.Logger
	metrics     *Metrics
}

func NewCacheInvalidator(redisClient *redis.Client, log *logrus.Logger, metrics *Metrics) CacheInvalidator {
	return &cacheInvalidator{
		redisClient: redisClient,
		log:         log,
		metrics:     metrics,
	}
}

func DashboardKey(patientID entity.PatientIdentity) string {
	return RedisDashboardKeyPrefix + string(patientID)
}

func (s *cacheInvalidator) Invalidate(ctx context.Context, patientIDs ...entity.PatientIdentity) {
	if s.redisClient == nil {
		s.log.Debug("Redis not configured, skipping cache invalidation")
		return
	}

	seen := make(map[entity.PatientIdentity]struct{}, len(patientIDs))
	for _, id := range patientIDs {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		// Run-level cancellation must not skip invalidation of a committed fix.
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisInvalidateTimeout)
		err := s.redisClient.Del(delCtx, DashboardKey(id)).Err()
		cancel()
		if err != nil {
			s.log.Warnf("Failed to invalidate dashboard cache for %s (non-fatal): %+v", id, err)
			s.metrics.RecordSideEffectFailure("cache")
			continue
		}
		s.log.Debugf("Invalidated dashboard cache for %s", id)
	}
}
