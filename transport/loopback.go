package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/protocol"
)

// pairingWindow is how long a loopback pairing session stays open.
const pairingWindow = 10 * time.Minute

// Loopback is an in-process server implementing the engine's transport
// contract: accounts, friendships, groups, pairing sessions, call
// rosters and key distribution, media routing, and message fan-out.
// Tests and local development connect multiple engines to one hub.
type Loopback struct {
	mu        sync.Mutex
	serverKey [32]byte
	jwtSecret []byte

	accounts map[string]*loopAccount
	groups   map[string]*loopGroup
	calls    map[string]*loopCall
	files    map[string][]byte
	pairings map[string]*loopPairing
	tokens   map[string]tokenInfo
	clients  map[*LoopbackClient]struct{}
}

type tokenInfo struct {
	user   string
	device string
}

type loopAccount struct {
	password       string
	publicKey      []byte
	devices        map[string]uint64
	friends        map[string]*protocol.FriendEntry
	friendsVersion uint64
	requests       map[string]string
	blocked        map[string]bool
	offline        []protocol.Push
}

type loopGroup struct {
	key        []byte
	members    map[string]uint32
	activeCall string
}

type loopCall struct {
	groupID string
	peer    string
	video   bool
	members map[string]bool
	keyID   uint32
	epochs  map[uint32]*loopEpoch
}

type loopEpoch struct {
	key      []byte
	allowed  map[string]bool
	explicit bool
}

type loopPairing struct {
	owner     string
	created   time.Time
	cancelled bool
	requests  []protocol.PairingRequestEntry
	resolved  map[string]bool
	payloads  map[string][]byte
	tokens    map[string]string
}

// NewLoopback creates an empty hub with a fresh server identity.
func NewLoopback() (*Loopback, error) {
	kp, err := noiseSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}

	hub := &Loopback{
		jwtSecret: secret,
		accounts:  make(map[string]*loopAccount),
		groups:    make(map[string]*loopGroup),
		calls:     make(map[string]*loopCall),
		files:     make(map[string][]byte),
		pairings:  make(map[string]*loopPairing),
		tokens:    make(map[string]tokenInfo),
		clients:   make(map[*LoopbackClient]struct{}),
	}
	copy(hub.serverKey[:], kp.Public)
	return hub, nil
}

// Connect attaches a new client to the hub.
func (h *Loopback) Connect() *LoopbackClient {
	c := &LoopbackClient{
		hub:    h,
		pushes: make(chan protocol.Push, pushBuffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// LoopbackClient is one engine's connection to a Loopback hub.
type LoopbackClient struct {
	hub    *Loopback
	pushes chan protocol.Push

	authMu   sync.RWMutex
	token    string
	deviceID string

	closeOnce sync.Once
	closed    chan struct{}
}

// SetAuth installs the token and device id attached to subsequent calls.
func (c *LoopbackClient) SetAuth(token, deviceID string) {
	c.authMu.Lock()
	c.token = token
	c.deviceID = deviceID
	c.authMu.Unlock()
}

// ServerKey returns the hub's static public key.
func (c *LoopbackClient) ServerKey() [32]byte {
	return c.hub.serverKey
}

// Pushes returns the server-initiated push channel.
func (c *LoopbackClient) Pushes() <-chan protocol.Push {
	return c.pushes
}

// Close detaches the client from the hub and closes the push channel.
func (c *LoopbackClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		close(c.pushes)
	})
	return nil
}

// Call routes one request through the hub.
func (c *LoopbackClient) Call(ctx context.Context, op string, in, out any) error {
	select {
	case <-c.closed:
		return protocol.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", protocol.ErrConnectivity, op, ctx.Err())
	default:
	}

	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", protocol.ErrInvalidArgument, op, err)
		}
		body = raw
	}

	c.authMu.RLock()
	token := c.token
	c.authMu.RUnlock()

	c.hub.mu.Lock()
	result, err := c.hub.handle(c, op, token, body)
	c.hub.mu.Unlock()
	if err != nil {
		return err
	}
	if out != nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode %s response: %w", op, err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}

// push enqueues a push on this client, shedding the oldest entry when
// the buffer is full so the hub never blocks on a slow consumer.
func (c *LoopbackClient) push(p protocol.Push) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.pushes <- p:
	default:
		select {
		case <-c.pushes:
		default:
		}
		select {
		case c.pushes <- p:
		default:
		}
	}
}

// newToken mints a signed token for a user/device pair. Callers hold h.mu.
func (h *Loopback) newToken(user, device string) (string, error) {
	claims := jwt.MapClaims{
		"sub": user,
		"dev": device,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	h.tokens[token] = tokenInfo{user: user, device: device}
	return token, nil
}

// authenticate resolves a token to its account. Callers hold h.mu.
func (h *Loopback) authenticate(token string) (string, *loopAccount, error) {
	info, ok := h.tokens[token]
	if !ok {
		return "", nil, fmt.Errorf("%w: invalid token", protocol.ErrAuth)
	}
	acct, ok := h.accounts[info.user]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown account", protocol.ErrAuth)
	}
	return info.user, acct, nil
}

// deliver routes a push to every connected client of user, or to the
// account's offline queue when none is connected and queue is set.
func (h *Loopback) deliver(user string, kind string, body any, queue bool) bool {
	raw, err := json.Marshal(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliver",
			"kind":     kind,
			"error":    err.Error(),
		}).Error("Failed to encode push")
		return false
	}
	p := protocol.Push{Kind: kind, Body: raw}

	delivered := false
	for c := range h.clients {
		c.authMu.RLock()
		token := c.token
		c.authMu.RUnlock()
		if info, ok := h.tokens[token]; ok && info.user == user {
			c.push(p)
			delivered = true
		}
	}
	if !delivered && queue {
		if acct, ok := h.accounts[user]; ok {
			acct.offline = append(acct.offline, p)
		}
	}
	return delivered
}

func newHexID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func nowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}
