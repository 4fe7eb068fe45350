package services_test

import (
	"sync"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/infrastructure/registry"

	"go.uber.org/zap"
)

// captureSink records everything sent so tests can assert on pushes.
type captureSink struct {
	mu   sync.Mutex
	sent map[domain.ConnectionID][]*domain.SignalEnvelope
}

func newCaptureSink() *captureSink {
	return &captureSink{sent: make(map[domain.ConnectionID][]*domain.SignalEnvelope)}
}

var _ ports.MessageSink = (*captureSink)(nil)

func (s *captureSink) Send(id domain.ConnectionID, env *domain.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[id] = append(s.sent[id], env)
	return nil
}

func (s *captureSink) all(id domain.ConnectionID) []*domain.SignalEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.SignalEnvelope, len(s.sent[id]))
	copy(out, s.sent[id])
	return out
}

func (s *captureSink) byType(id domain.ConnectionID, t domain.MessageType) []*domain.SignalEnvelope {
	var matched []*domain.SignalEnvelope
	for _, env := range s.all(id) {
		if env.Type == t {
			matched = append(matched, env)
		}
	}
	return matched
}

func newTestRegistry() *registry.ConnectionRegistry {
	return registry.NewConnectionRegistry(zap.NewNop().Sugar())
}
