package transport

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/protocol"
)

// pushBuffer bounds the inbound push channel. Beyond this the reader
// drops the oldest pending push rather than blocking the socket.
const pushBuffer = 256

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// wsFrame is the JSON envelope inside each Noise-encrypted WebSocket
// message. Requests carry ID+Op, responses ID+OK, pushes Push.
type wsFrame struct {
	ID     uint64          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Token  string          `json:"token,omitempty"`
	Device string          `json:"device,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Push   string          `json:"push,omitempty"`
}

// WebsocketClient speaks the engine protocol to a remote server over a
// WebSocket connection secured with a Noise XX handshake. The server's
// static key learned during the handshake feeds trust-on-first-use.
type WebsocketClient struct {
	ws     *websocket.Conn
	pushes chan protocol.Push

	sendMu     sync.Mutex
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	serverKey  [32]byte

	authMu   sync.RWMutex
	token    string
	deviceID string

	nextID  atomic.Uint64
	pending map[uint64]chan wsFrame
	pendMu  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// DialWebsocket connects to url, performs the Noise XX handshake, and
// starts the read loop. The returned client is ready for Call.
func DialWebsocket(ctx context.Context, url string) (*WebsocketClient, error) {
	logrus.WithFields(logrus.Fields{
		"function": "DialWebsocket",
		"url":      url,
	}).Info("Connecting to server")

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrConnectivity, url, err)
	}

	c := &WebsocketClient{
		ws:      ws,
		pushes:  make(chan protocol.Push, pushBuffer),
		pending: make(map[uint64]chan wsFrame),
		closed:  make(chan struct{}),
	}
	if err := c.handshake(ctx); err != nil {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// handshake runs Noise XX as initiator. The server transmits its static
// key in message two; we keep it for the trust fingerprint.
func (c *WebsocketClient) handshake(ctx context.Context) error {
	static, err := noiseSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate handshake keypair: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize handshake: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("handshake message 1 failed: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg1); err != nil {
		return fmt.Errorf("%w: handshake write: %v", protocol.ErrConnectivity, err)
	}

	_, msg2, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: handshake read: %v", protocol.ErrConnectivity, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return fmt.Errorf("handshake message 2 failed: %w", err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("handshake message 3 failed: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg3); err != nil {
		return fmt.Errorf("%w: handshake write: %v", protocol.ErrConnectivity, err)
	}

	peer := hs.PeerStatic()
	if len(peer) != 32 {
		return fmt.Errorf("server static key has invalid length %d", len(peer))
	}
	copy(c.serverKey[:], peer)
	c.sendCipher = cs1
	c.recvCipher = cs2

	logrus.WithFields(logrus.Fields{
		"function":   "handshake",
		"server_key": fmt.Sprintf("%x", peer[:8]),
	}).Info("Noise handshake complete")
	return nil
}

// SetAuth installs the token and device id attached to subsequent calls.
func (c *WebsocketClient) SetAuth(token, deviceID string) {
	c.authMu.Lock()
	c.token = token
	c.deviceID = deviceID
	c.authMu.Unlock()
}

// ServerKey returns the server's Noise static key.
func (c *WebsocketClient) ServerKey() [32]byte {
	return c.serverKey
}

// Pushes returns the server-initiated push channel.
func (c *WebsocketClient) Pushes() <-chan protocol.Push {
	return c.pushes
}

// Call sends one request frame and waits for its response, bounded by ctx.
func (c *WebsocketClient) Call(ctx context.Context, op string, in, out any) error {
	select {
	case <-c.closed:
		return protocol.ErrClosed
	default:
	}

	var body json.RawMessage
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s request: %v", protocol.ErrInvalidArgument, op, err)
		}
		body = raw
	}

	id := c.nextID.Add(1)
	c.authMu.RLock()
	frame := wsFrame{ID: id, Op: op, Token: c.token, Device: c.deviceID, Body: body}
	c.authMu.RUnlock()

	reply := make(chan wsFrame, 1)
	c.pendMu.Lock()
	c.pending[id] = reply
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.writeFrame(ctx, frame); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if resp.OK == nil || !*resp.OK {
			return protocol.ErrorFromCode(resp.Code, resp.Error)
		}
		if out != nil && len(resp.Body) > 0 {
			if err := json.Unmarshal(resp.Body, out); err != nil {
				return fmt.Errorf("%w: decode %s response: %v", protocol.ErrConnectivity, op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", protocol.ErrConnectivity, op, ctx.Err())
	case <-c.closed:
		return protocol.ErrClosed
	}
}

func (c *WebsocketClient) writeFrame(ctx context.Context, frame wsFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", protocol.ErrInvalidArgument, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	sealed, err := c.sendCipher.Encrypt(nil, nil, raw)
	if err != nil {
		return fmt.Errorf("failed to seal frame: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, sealed); err != nil {
		return fmt.Errorf("%w: write: %v", protocol.ErrConnectivity, err)
	}
	return nil
}

// readLoop decrypts inbound frames and dispatches responses to waiting
// calls and pushes to the push channel.
func (c *WebsocketClient) readLoop() {
	defer close(c.pushes)
	for {
		_, sealed, err := c.ws.Read(context.Background())
		if err != nil {
			c.Close()
			return
		}
		raw, err := c.recvCipher.Decrypt(nil, nil, sealed)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping undecryptable frame")
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}

		if frame.Push != "" {
			push := protocol.Push{Kind: frame.Push, Body: frame.Body}
			select {
			case c.pushes <- push:
			default:
				// Shed the oldest push to keep the socket draining.
				select {
				case <-c.pushes:
				default:
				}
				c.pushes <- push
			}
			continue
		}

		c.pendMu.Lock()
		reply, ok := c.pending[frame.ID]
		c.pendMu.Unlock()
		if ok {
			reply <- frame
		}
	}
}

// Close tears down the connection. Pending calls fail with ErrClosed.
func (c *WebsocketClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}
