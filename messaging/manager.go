package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// Manager holds at most one broker connection per process.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	dialers map[string]cbroker.Dialer
	conn    cbroker.Connection
	logger  *zap.Logger
}

// NewManager registers dialers by the URL schemes they report.
// A later dialer wins when two claim the same scheme.
func NewManager(logger *zap.Logger, dialers ...cbroker.Dialer) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{dialers: map[string]cbroker.Dialer{}, logger: logger}
	for _, d := range dialers {
		for _, s := range d.Schemes() {
			m.dialers[strings.ToLower(s)] = d
		}
	}

	return m
}

// Connect establishes the process connection. A second call while a connection
// is open fails with ErrAlreadyConnected. Every other failure is an ErrConnection.
func (m *Manager) Connect(ctx context.Context, cfg cbroker.ConnectConfig) (cbroker.Connection, error) {
	if cfg.URL == "" || cfg.Name == "" {
		return nil, fmt.Errorf("connect: %w: url and name are required", werr.ErrConnection)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	scheme := strings.ToLower(u.Scheme)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Name, werr.ErrAlreadyConnected)
	}

	d, ok := m.dialers[scheme]
	if !ok {
		return nil, fmt.Errorf("connect %s: %w: unsupported scheme %q", cfg.Name, werr.ErrConnection, scheme)
	}

	fields := []zap.Field{zap.String("name", cfg.Name), zap.String("scheme", scheme), zap.String("url", u.Redacted())}

	conn, err := d.Dial(ctx, cfg)
	if err != nil {
		m.logger.Error("broker connect failed", append(fields, zap.Error(err))...)

		if errors.Is(err, werr.ErrConnection) {
			return nil, err
		}

		return nil, fmt.Errorf("connect %s: %w", cfg.Name, errors.Join(werr.ErrConnection, err))
	}

	m.conn = conn
	m.logger.Info("broker connected", fields...)

	return conn, nil
}

// Connection returns the open connection, if any.
func (m *Manager) Connection() (cbroker.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conn, m.conn != nil
}

// Close closes the connection and everything derived from it.
// Calling Close without a connection, or twice, is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	m.logger.Info("broker connection closed", zap.String("name", conn.Name()), zap.Error(err))

	return err
}
