package parsers

import (
	"strings"

	"github.com/smallbiznis/connectpay/internal/webhook/domain"
)

type Registry struct {
	parsers map[string]domain.Parser
}

func NewRegistry(parsers ...domain.Parser) *Registry {
	registry := &Registry{parsers: map[string]domain.Parser{}}
	for _, parser := range parsers {
		if parser == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(parser.Provider()))
		if provider == "" {
			continue
		}
		registry.parsers[provider] = parser
	}
	return registry
}

func (r *Registry) Lookup(provider string) (domain.Parser, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	parser, ok := r.parsers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return parser, nil
}
