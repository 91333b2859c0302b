package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/internal/domain"
	rediskeys "github.com/paper-app/gateway/internal/repository/redis"
	"github.com/paper-app/gateway/pkg/s2"
)

// HealthService aggregates backend health for the health endpoints and the
// admin stats surface.
type HealthService struct {
	cache   domain.Cache
	graph   domain.GraphStore
	mapping domain.MappingStore
	queue   domain.TaskQueue
	s2      *s2.Client
	version string
	logger  zerolog.Logger
}

func NewHealthService(
	cache domain.Cache,
	graph domain.GraphStore,
	mapping domain.MappingStore,
	queue domain.TaskQueue,
	client *s2.Client,
	version string,
	logger zerolog.Logger,
) *HealthService {
	return &HealthService{
		cache:   cache,
		graph:   graph,
		mapping: mapping,
		queue:   queue,
		s2:      client,
		version: version,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Live is the cheap liveness answer; it touches no backend.
func (h *HealthService) Live() domain.Document {
	return domain.Document{"status": "healthy", "version": h.version}
}

// Version reports the build version the service was constructed with.
func (h *HealthService) Version() string {
	return h.version
}

// Detailed probes every backend and reports per-service state plus storage
// metrics. The boolean result is true only when all services answer.
func (h *HealthService) Detailed(ctx context.Context) (domain.Document, bool) {
	services := domain.Document{
		"redis":    h.cache.Ping(ctx) == nil,
		"postgres": h.graph.Ping(ctx) == nil,
		"nats":     h.queue.Connected(),
		"s2_api":   h.s2.Health(ctx),
	}

	metrics := domain.Document{}
	if services["postgres"] == true {
		if stats, err := h.graph.Stats(ctx); err == nil {
			metrics["graph"] = stats
		} else {
			h.logger.Warn().Err(err).Msg("graph stats failed")
		}
		if stats, err := h.mapping.Stats(ctx); err == nil {
			metrics["mappings"] = stats
		} else {
			h.logger.Warn().Err(err).Msg("mapping stats failed")
		}
	}

	// The degradation flag is set by the fetch path on upstream rate limiting
	// or outage, and expires on its own.
	s2Status := "ok"
	if flag, ok := h.cache.GetString(ctx, rediskeys.SystemS2StatusKey); ok && flag != "" {
		s2Status = flag
	}

	healthy := true
	for _, up := range services {
		if up != true {
			healthy = false
		}
	}
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	return domain.Document{
		"status":    status,
		"version":   h.version,
		"services":  services,
		"s2_status": s2Status,
		"metrics":   metrics,
	}, healthy
}

// Stats returns storage-tier statistics for the admin surface.
func (h *HealthService) Stats(ctx context.Context) (domain.Document, error) {
	graphStats, err := h.graph.Stats(ctx)
	if err != nil {
		return nil, err
	}
	mappingStats, err := h.mapping.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return domain.Document{
		"graph":    graphStats,
		"mappings": mappingStats,
		"queue":    domain.Document{"connected": h.queue.Connected()},
	}, nil
}
