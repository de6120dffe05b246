package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/config"
)

// Manager owns every configured source adapter and supervises their
// run loops. A terminated source never takes the process down; the
// pipeline stays live while any adapter is connected or retrying.
type Manager struct {
	logger   *slog.Logger
	adapters []Adapter
	byName   map[string]Adapter
	wg       sync.WaitGroup
}

func NewManager(sources []config.SourceConfig, handler Handler) *Manager {
	m := &Manager{
		logger: slog.With("component", "source-manager"),
		byName: make(map[string]Adapter),
	}

	for _, cfg := range sources {
		if !cfg.IsEnabled() {
			continue
		}

		var adapter Adapter
		switch cfg.Type {
		case "websocket":
			adapter = NewWSAdapter(cfg, handler)
		default:
			adapter = NewTCPAdapter(cfg, handler)
		}

		m.adapters = append(m.adapters, adapter)
		m.byName[cfg.Name] = adapter
	}

	m.logger.Info("Source manager initialized", "sources", len(m.adapters))
	return m
}

// Start launches one goroutine per adapter. Each loop exits on ctx
// cancellation or when its retry policy gives up.
func (m *Manager) Start(ctx context.Context) {
	for _, adapter := range m.adapters {
		m.wg.Add(1)
		go func(a Adapter) {
			defer m.wg.Done()
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("Source terminated", "source", a.Name(), "error", err)
			}
		}(adapter)
		m.logger.Info("Source started", "source", adapter.Name())
	}
}

// Wait blocks until every adapter loop has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a.Stats())
	}
	return out
}

func (m *Manager) AnyConnected() bool {
	for _, a := range m.adapters {
		if a.Stats().Connected {
			return true
		}
	}
	return false
}

// Reconnect forces the named source to drop and re-dial.
func (m *Manager) Reconnect(name string) error {
	a, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("unknown source %q", name)
	}
	a.Reconnect()
	return nil
}

// ParserStats aggregates decoder statistics across the TCP adapters.
func (m *Manager) ParserStats() ais.Stats {
	agg := ais.Stats{ByType: make(map[int]int64)}
	for _, a := range m.adapters {
		tcp, ok := a.(*TCPAdapter)
		if !ok {
			continue
		}
		s := tcp.Parser().Stats()
		agg.TotalParsed += s.TotalParsed
		agg.TotalErrors += s.TotalErrors
		agg.FragmentsBuffered += s.FragmentsBuffered
		agg.FragmentsAssembled += s.FragmentsAssembled
		agg.FragmentsExpired += s.FragmentsExpired
		agg.InvalidSentences += s.InvalidSentences
		agg.CorruptedPrefixFixed += s.CorruptedPrefixFixed
		agg.FragmentsInBuffer += s.FragmentsInBuffer
		for k, v := range s.ByType {
			agg.ByType[k] += v
		}
	}
	if total := agg.TotalParsed + agg.TotalErrors; total > 0 {
		agg.ErrorRate = float64(agg.TotalErrors) / float64(total)
	}
	return agg
}
