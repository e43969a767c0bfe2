package service

import (
	"context"
	"fmt"
)

// Service is a long-running component with an explicit lifecycle: workers,
// cron loops, and HTTP listeners all implement it so a single Manager can
// start and stop the whole process in a defined order.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService satisfies Service without doing anything; useful for
// placeholder registration in tests and wiring scaffolds.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                     { return n.ServiceName }
func (n NoopService) Start(ctx context.Context) error   { return nil }
func (n NoopService) Stop(ctx context.Context) error    { return nil }

// Manager registers services and starts/stops them as a unit. Start order is
// registration order; stop order is the reverse, so a service only ever
// stops after everything that was started after it.
type Manager struct {
	services    []Service
	descriptors []Descriptor
	started     []Service
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. It must be called before Start.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("service: nil service")
	}
	m.services = append(m.services, svc)
	return nil
}

// RegisterWithDescriptor registers a service along with its advertised
// Descriptor, retrievable later via Descriptors.
func (m *Manager) RegisterWithDescriptor(svc Service, d Descriptor) error {
	if err := m.Register(svc); err != nil {
		return err
	}
	m.descriptors = append(m.descriptors, d)
	return nil
}

// Start starts every registered service in registration order. If one fails,
// every service started so far is stopped in reverse order before the error
// is returned.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			m.rollback(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		_ = m.started[i].Stop(ctx)
	}
	m.started = nil
}

// Stop stops every started service in reverse start order, collecting (but
// not short-circuiting on) individual stop errors.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		if err := m.started[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.started[i].Name(), err)
		}
	}
	m.started = nil
	return firstErr
}

// Descriptors returns the descriptors registered via RegisterWithDescriptor.
func (m *Manager) Descriptors() []Descriptor {
	out := make([]Descriptor, len(m.descriptors))
	copy(out, m.descriptors)
	return out
}
