package connmanager

import (
	"time"

	"github.com/gnutd/gnutd/infrastructure/network/handshake"
	"go.uber.org/atomic"
)

// hardMaxConnectAttempts caps concurrent outgoing connection attempts
// whatever the configuration says.
const hardMaxConnectAttempts = 8

// RoleConfig holds the connection targets and the ultrapeer requirements.
type RoleConfig struct {
	Leaf2UpConnections int
	Up2UpConnections   int
	Up2LeafConnections int

	// MaxConnectAttempts is the configured limit of concurrent outgoing
	// connection attempts. It depends on the OS.
	MaxConnectAttempts int

	AllowUltrapeer bool

	// OSUltrapeerCapable is false on systems that are known to handle
	// many sockets badly.
	OSUltrapeerCapable bool

	UpstreamKBps   int
	DownstreamKBps int

	MinUpstreamKBps    int
	MinDownstreamKBps  int
	MinUltrapeerUptime time.Duration
}

// RoleCounts are the numbers of connected hosts per role.
type RoleCounts struct {
	Normal               int
	LeafToUltrapeer      int
	UltrapeerToUltrapeer int
	UltrapeerToLeaf      int
}

// HostRoleManager decides whether this node acts as a leaf or an
// ultrapeer, accounts connection slots per role and computes how many
// outgoing connections to attempt.
type HostRoleManager struct {
	cfg          *RoleConfig
	sessionStart time.Time
	now          func() time.Time

	incomingSeen       atomic.Bool
	averageDailyUptime atomic.Duration
}

// NewHostRoleManager returns a new HostRoleManager. The session starts
// now.
func NewHostRoleManager(cfg *RoleConfig) *HostRoleManager {
	return &HostRoleManager{
		cfg:          cfg,
		sessionStart: time.Now(),
		now:          time.Now,
	}
}

// NoteIncomingConnection records that a remote host reached this node, so
// it isn't firewalled.
func (m *HostRoleManager) NoteIncomingConnection() {
	if m.incomingSeen.CAS(false, true) {
		log.Infof("Accepted an incoming connection, this node isn't firewalled")
	}
}

// IsFirewalled returns whether no incoming connection was seen yet.
func (m *HostRoleManager) IsFirewalled() bool {
	return !m.incomingSeen.Load()
}

// SetAverageDailyUptime records the uptime averaged over previous
// sessions.
func (m *HostRoleManager) SetAverageDailyUptime(uptime time.Duration) {
	m.averageDailyUptime.Store(uptime)
}

// SessionUptime returns the time since the node started.
func (m *HostRoleManager) SessionUptime() time.Duration {
	return m.now().Sub(m.sessionStart)
}

// IsUltrapeerCapable returns whether this node may act as an ultrapeer.
// Every requirement must hold.
func (m *HostRoleManager) IsUltrapeerCapable() bool {
	switch {
	case !m.cfg.AllowUltrapeer:
		return false
	case m.IsFirewalled():
		return false
	case !m.cfg.OSUltrapeerCapable:
		return false
	case m.cfg.UpstreamKBps < m.cfg.MinUpstreamKBps:
		return false
	case m.cfg.DownstreamKBps < m.cfg.MinDownstreamKBps:
		return false
	}
	uptime := m.SessionUptime()
	if average := m.averageDailyUptime.Load(); average > uptime {
		uptime = average
	}
	return uptime >= m.cfg.MinUltrapeerUptime
}

// IsUltrapeer returns whether this node acts as an ultrapeer. A capable
// node stays a leaf as long as it's connected to ultrapeers as a leaf.
func (m *HostRoleManager) IsUltrapeer(counts RoleCounts) bool {
	return counts.LeafToUltrapeer == 0 && m.IsUltrapeerCapable()
}

// HasSlot returns whether a connection with the given role can be added.
func (m *HostRoleManager) HasSlot(role handshake.Role, counts RoleCounts) bool {
	switch role {
	case handshake.RoleLeafToUltrapeer:
		return counts.LeafToUltrapeer+counts.Normal < m.cfg.Leaf2UpConnections
	case handshake.RoleUltrapeerToUltrapeer:
		return counts.UltrapeerToUltrapeer+counts.Normal < m.cfg.Up2UpConnections
	case handshake.RoleUltrapeerToLeaf:
		return counts.UltrapeerToLeaf < m.cfg.Up2LeafConnections
	case handshake.RoleNormal:
		if m.IsUltrapeer(counts) {
			return counts.UltrapeerToUltrapeer+counts.Normal < m.cfg.Up2UpConnections
		}
		return counts.LeafToUltrapeer+counts.Normal < m.cfg.Leaf2UpConnections
	}
	return false
}

// ConnectionDeficit returns how many outgoing connections are missing.
// Leaves of an ultrapeer connect to it, so they don't count.
func (m *HostRoleManager) ConnectionDeficit(counts RoleCounts) int {
	var deficit int
	if m.IsUltrapeer(counts) {
		deficit = m.cfg.Up2UpConnections - counts.UltrapeerToUltrapeer - counts.Normal
	} else {
		deficit = m.cfg.Leaf2UpConnections - counts.LeafToUltrapeer - counts.Normal
	}
	if deficit < 0 {
		return 0
	}
	return deficit
}

// MaxConnectAttempts returns the limit of concurrent outgoing connection
// attempts.
func (m *HostRoleManager) MaxConnectAttempts() int {
	limit := hardMaxConnectAttempts
	if m.cfg.MaxConnectAttempts > 0 && m.cfg.MaxConnectAttempts < limit {
		limit = m.cfg.MaxConnectAttempts
	}
	return limit
}

// AttemptsToStart returns how many new connection attempts to start, given
// the current counts and the attempts already in flight.
func (m *HostRoleManager) AttemptsToStart(counts RoleCounts, inFlight int) int {
	attempts := m.ConnectionDeficit(counts) - inFlight
	if available := m.MaxConnectAttempts() - inFlight; available < attempts {
		attempts = available
	}
	if attempts < 0 {
		return 0
	}
	return attempts
}
