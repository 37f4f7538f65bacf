// Package session owns the engine's authenticated identity: registration,
// login, logout, relogin after connectivity loss, and the heartbeat
// liveness probe. It also tracks remote mode, the last connectivity probe
// result, and the auth token's expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
)

// Identity is the engine's authenticated identity. One per running
// engine instance; invalidated on logout.
type Identity struct {
	Username string
	DeviceID string
	Token    string
}

// Manager drives the authentication lifecycle against the transport.
type Manager struct {
	client transport.Client

	mu          sync.RWMutex
	identity    *Identity
	keyPair     *crypto.KeyPair
	password    string
	remoteOK    bool
	remoteErr   string
	remoteMode  bool
	tokenExpiry time.Time
}

// NewManager creates a session manager bound to a transport client and
// the instance identity key pair.
func NewManager(client transport.Client, keyPair *crypto.KeyPair) *Manager {
	return &Manager{
		client:     client,
		keyPair:    keyPair,
		remoteMode: true,
		remoteOK:   true,
	}
}

// Register creates a new account and an authenticated session for it.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	var resp protocol.RegisterResponse
	err := m.client.Call(ctx, protocol.OpRegister, &protocol.RegisterRequest{
		Username:  username,
		Password:  password,
		PublicKey: m.keyPair.Public[:],
	}, &resp)
	if err != nil {
		m.noteProbe(err)
		return fmt.Errorf("register %q: %w", username, err)
	}
	m.adopt(username, password, resp.Token, resp.DeviceID)
	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"username": username,
	}).Info("Account registered")
	return nil
}

// Login authenticates an existing account.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	return m.login(ctx, username, password, "")
}

func (m *Manager) login(ctx context.Context, username, password, deviceID string) error {
	var resp protocol.LoginResponse
	err := m.client.Call(ctx, protocol.OpLogin, &protocol.LoginRequest{
		Username:  username,
		Password:  password,
		DeviceID:  deviceID,
		PublicKey: m.keyPair.Public[:],
	}, &resp)
	if err != nil {
		m.noteProbe(err)
		return fmt.Errorf("login %q: %w", username, err)
	}
	m.adopt(username, password, resp.Token, resp.DeviceID)
	logrus.WithFields(logrus.Fields{
		"function": "Login",
		"username": username,
		"device":   resp.DeviceID[:min(8, len(resp.DeviceID))],
	}).Info("Session established")
	return nil
}

// adopt installs a fresh identity and points the transport at it.
func (m *Manager) adopt(username, password, token, deviceID string) {
	m.mu.Lock()
	m.identity = &Identity{Username: username, DeviceID: deviceID, Token: token}
	m.password = password
	m.remoteOK = true
	m.remoteErr = ""
	m.tokenExpiry = tokenExpiry(token)
	m.mu.Unlock()
	m.client.SetAuth(token, deviceID)
}

// AdoptPaired installs an identity obtained through device pairing. The
// linked device has no password; relogin is unavailable until the caller
// logs in conventionally.
func (m *Manager) AdoptPaired(id Identity) {
	m.adopt(id.Username, "", id.Token, id.DeviceID)
}

// Logout invalidates the session. Local caches survive; subsequent
// operations fail until a new login.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.RLock()
	id := m.identity
	m.mu.RUnlock()
	if id == nil {
		return fmt.Errorf("logout: %w", protocol.ErrNoSession)
	}

	err := m.client.Call(ctx, protocol.OpLogout, nil, nil)
	m.mu.Lock()
	m.identity = nil
	m.password = ""
	m.tokenExpiry = time.Time{}
	m.mu.Unlock()
	m.client.SetAuth("", "")
	if err != nil && !errors.Is(err, protocol.ErrConnectivity) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Relogin re-establishes the session after connectivity loss using the
// retained credentials and device id. Local Directory and History state
// is untouched.
func (m *Manager) Relogin(ctx context.Context) error {
	m.mu.RLock()
	id := m.identity
	password := m.password
	m.mu.RUnlock()
	if id == nil {
		return fmt.Errorf("relogin: %w", protocol.ErrNoSession)
	}
	if password == "" {
		return fmt.Errorf("relogin: %w: no retained credentials", protocol.ErrAuth)
	}
	return m.login(ctx, id.Username, password, id.DeviceID)
}

// Heartbeat probes server liveness. Failure is non-fatal: it only
// updates the remote probe state.
func (m *Manager) Heartbeat(ctx context.Context) error {
	var resp protocol.HeartbeatResponse
	err := m.client.Call(ctx, protocol.OpHeartbeat, nil, &resp)
	m.noteProbe(err)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// noteProbe records the outcome of the last network exchange.
func (m *Manager) noteProbe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.remoteOK = true
		m.remoteErr = ""
		return
	}
	if errors.Is(err, protocol.ErrConnectivity) || errors.Is(err, protocol.ErrClosed) {
		m.remoteOK = false
		m.remoteErr = err.Error()
	}
}

// Identity returns the current identity, or nil after logout.
func (m *Manager) Identity() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil
	}
	id := *m.identity
	return &id
}

// Username returns the authenticated username, or empty.
func (m *Manager) Username() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return ""
	}
	return m.identity.Username
}

// Require returns ErrNoSession when no identity is active.
func (m *Manager) Require() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return protocol.ErrNoSession
	}
	return nil
}

// IsRemoteMode reports whether network-backed operation is active.
func (m *Manager) IsRemoteMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remoteMode && m.remoteOK
}

// RemoteOK reports the result of the last connectivity probe.
func (m *Manager) RemoteOK() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remoteOK
}

// RemoteError returns the last connectivity error message, or empty.
func (m *Manager) RemoteError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remoteErr
}

// TokenExpiresSoon reports whether the auth token expires within the
// given window, advising a proactive Relogin.
func (m *Manager) TokenExpiresSoon(window time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil || m.tokenExpiry.IsZero() {
		return false
	}
	return time.Until(m.tokenExpiry) < window
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server is the authority, the client only schedules renewal.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
