package usecase

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/paper-app/gateway/pkg/s2"
)

// ProxyService forwards a request verbatim to the upstream API: no caching,
// no reshaping. Error mapping happens in the delivery layer like everywhere
// else.
type ProxyService struct {
	s2     *s2.Client
	logger zerolog.Logger
}

func NewProxyService(client *s2.Client, logger zerolog.Logger) *ProxyService {
	return &ProxyService{
		s2:     client,
		logger: logger.With().Str("component", "proxy").Logger(),
	}
}

func (p *ProxyService) Forward(ctx context.Context, method, path string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	p.logger.Debug().Str("method", method).Str("path", path).Msg("forwarding upstream")
	return p.s2.Raw(ctx, method, path, query, body)
}
