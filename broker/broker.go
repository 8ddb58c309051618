// Package broker creates and holds the Redis connections backing the
// durable queue substrate. Connections are shared singletons per role so
// the total connection count stays bounded no matter how many queues or
// submitters the process runs.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devstarkedge/conveyor"
)

// Role identifies the purpose of a connection. Publisher connections serve
// submit calls; worker connections serve dequeue loops and blocking reads.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleWorker    Role = "worker"
)

// State is the lifecycle state of a role's connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
)

// Config holds broker connection settings.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Username and Password are optional Redis credentials.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// ReadTimeout and WriteTimeout bound individual commands so a dead
	// broker surfaces as an error instead of a hang.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxReconnects caps transport-level retries for publisher commands.
	// After the cap the command fails loudly; nothing buffers waiting for
	// the broker to come back. Worker connections disable transport
	// retries entirely — the queue layer owns retry semantics there.
	MaxReconnects int

	// ReconnectBackoffMin and ReconnectBackoffMax bound the backoff
	// between capped transport retries (exponential with ceiling).
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
}

// DefaultConfig returns broker settings suitable for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:                "127.0.0.1:6379",
		DialTimeout:         5 * time.Second,
		ReadTimeout:         3 * time.Second,
		WriteTimeout:        3 * time.Second,
		MaxReconnects:       3,
		ReconnectBackoffMin: 100 * time.Millisecond,
		ReconnectBackoffMax: 2 * time.Second,
	}
}

// Manager creates and holds one client per role. Clients are lazy: no
// connection is opened until the first command. Manager is safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	clients     map[Role]*redis.Client
	states      map[Role]State
	probeFailed bool
	closed      bool
}

// NewManager creates a connection manager. No connection is opened here.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[Role]*redis.Client),
		states:  make(map[Role]State),
	}
}

// Client returns the shared client for the given role, creating it on
// first use. Returns conveyor.ErrConnClosed after CloseAll, and
// conveyor.ErrBrokerUnavailable after a failed probe: the probe decision
// is final, so no broker client is handed out in a fallback-only process.
func (m *Manager) Client(role Role) (*redis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, conveyor.ErrConnClosed
	}
	if m.probeFailed {
		return nil, conveyor.ErrBrokerUnavailable
	}
	if c, ok := m.clients[role]; ok {
		return c, nil
	}

	c := redis.NewClient(m.options(role))
	m.clients[role] = c
	m.states[role] = StateDisconnected
	return c, nil
}

// options maps a role to go-redis client options.
func (m *Manager) options(role Role) *redis.Options {
	opts := &redis.Options{
		Addr:            m.cfg.Addr,
		Username:        m.cfg.Username,
		Password:        m.cfg.Password,
		DB:              m.cfg.DB,
		DialTimeout:     m.cfg.DialTimeout,
		ReadTimeout:     m.cfg.ReadTimeout,
		WriteTimeout:    m.cfg.WriteTimeout,
		MinRetryBackoff: m.cfg.ReconnectBackoffMin,
		MaxRetryBackoff: m.cfg.ReconnectBackoffMax,
		OnConnect: func(_ context.Context, _ *redis.Conn) error {
			m.setState(role, StateReady)
			return nil
		},
	}

	switch role {
	case RoleWorker:
		// Dequeue loops own their retry cadence; a transport retry here
		// would just hide broker loss from the poll loop.
		opts.MaxRetries = -1
	default:
		opts.MaxRetries = m.cfg.MaxReconnects
	}
	return opts
}

func (m *Manager) setState(role Role, s State) {
	m.mu.Lock()
	m.states[role] = s
	m.mu.Unlock()
}

// RoleState returns the last observed connection state for a role.
func (m *Manager) RoleState(role Role) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[role]; ok {
		return s
	}
	return StateDisconnected
}

// Probe performs one bounded-time connection attempt and reports whether
// the broker answered. It never returns an error: the result is a mode
// decision, not a failure. Called exactly once at process start; the
// chosen substrate is fixed for the process lifetime.
func (m *Manager) Probe(ctx context.Context, timeout time.Duration) bool {
	client, err := m.Client(RolePublisher)
	if err != nil {
		return false
	}

	m.setState(RolePublisher, StateConnecting)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if pingErr := client.Ping(probeCtx).Err(); pingErr != nil {
		m.setState(RolePublisher, StateDisconnected)
		m.mu.Lock()
		m.probeFailed = true
		m.mu.Unlock()
		m.logger.Warn("broker probe failed",
			slog.String("addr", m.cfg.Addr),
			slog.Duration("timeout", timeout),
			slog.String("error", pingErr.Error()),
		)
		return false
	}

	m.setState(RolePublisher, StateReady)
	return true
}

// CloseAll closes every client that was created. It is best-effort and
// idempotent: failures are logged, not returned, and a second call is a
// no-op.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for role, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("broker connection close failed",
				slog.String("role", string(role)),
				slog.String("error", err.Error()),
			)
		}
		m.states[role] = StateDisconnected
	}
}

// Addr returns the configured broker address, for logging.
func (m *Manager) Addr() string { return m.cfg.Addr }
