// Package pairing links a new device to an existing account. The primary
// device shows a short code; the new device submits it to the relay as an
// opaque rendezvous id and the primary approves, handing over the
// identity key sealed under a key only the two code holders can derive.
// The relay brokers blobs it cannot read.
package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
)

// State is the pairing state machine position.
type State uint8

const (
	StateIdle State = iota
	StateAdvertising
	StateRequesting
	StateBound
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// codeWindow bounds how long a pairing code stays usable.
const codeWindow = 10 * time.Minute

// linkPayload is the sealed identity handed to the linked device.
type linkPayload struct {
	Username  string `json:"username"`
	SecretKey []byte `json:"secret_key"`
}

// LinkedIdentity is the outcome of a completed link on the new device.
type LinkedIdentity struct {
	Username  string
	SecretKey [32]byte
	Token     string
	DeviceID  string
}

// Request is a pending link attempt seen by the primary device.
type Request struct {
	DeviceID  string
	RequestID string
}

// Pairer drives one pairing exchange, as either the advertising primary
// or the requesting new device.
type Pairer struct {
	client transport.Client

	mu        sync.Mutex
	state     State
	pairingID string
	key       [32]byte
	deviceID  string
	requestID string
	started   time.Time
}

// New creates an idle pairer.
func New(client transport.Client) *Pairer {
	return &Pairer{client: client}
}

// State returns the current state, accounting for code expiry.
func (p *Pairer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pairer) stateLocked() State {
	if (p.state == StateAdvertising || p.state == StateRequesting) && time.Since(p.started) > codeWindow {
		p.state = StateExpired
		crypto.ZeroBytes(p.key[:])
	}
	return p.state
}

// BeginAdvertise opens a pairing window on the primary device and returns
// the human-readable code to show the user. The relay learns only a hash
// of the code.
func (p *Pairer) BeginAdvertise(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.stateLocked() == StateAdvertising {
		p.mu.Unlock()
		return "", fmt.Errorf("pairing window already open: %w", protocol.ErrInvalidArgument)
	}
	p.mu.Unlock()

	code, err := crypto.NewPairingCode()
	if err != nil {
		return "", err
	}
	secret, err := crypto.PairingSecretFromCode(code)
	if err != nil {
		return "", err
	}
	pairingID := crypto.PairingID(secret)
	key, err := crypto.PairingKey(secret)
	crypto.ZeroBytes(secret)
	if err != nil {
		return "", err
	}

	req := &protocol.PairBeginRequest{PairingID: pairingID}
	if err := p.client.Call(ctx, protocol.OpPairBegin, req, nil); err != nil {
		crypto.ZeroBytes(key[:])
		return "", fmt.Errorf("failed to open pairing window: %w", err)
	}

	p.mu.Lock()
	p.state = StateAdvertising
	p.pairingID = pairingID
	p.key = key
	p.started = time.Now()
	p.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function":   "BeginAdvertise",
		"pairing_id": pairingID[:8],
	}).Info("Pairing window opened")
	return code, nil
}

// PendingRequests lists link attempts awaiting approval.
func (p *Pairer) PendingRequests(ctx context.Context) ([]Request, error) {
	p.mu.Lock()
	if p.stateLocked() != StateAdvertising {
		state := p.state
		p.mu.Unlock()
		return nil, fmt.Errorf("pairing window is %s: %w", state, protocol.ErrInvalidArgument)
	}
	pairingID := p.pairingID
	p.mu.Unlock()

	var resp protocol.PairPollResponse
	req := &protocol.PairPollRequest{PairingID: pairingID}
	if err := p.client.Call(ctx, protocol.OpPairPoll, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to poll pairing requests: %w", err)
	}
	out := make([]Request, 0, len(resp.Requests))
	for _, r := range resp.Requests {
		out = append(out, Request{DeviceID: r.DeviceID, RequestID: r.RequestID})
	}
	return out, nil
}

// Approve binds one pending request to this account. The identity key is
// sealed under the pairing key; the code is single-use and a second
// approval fails with ErrAlreadyResolved.
func (p *Pairer) Approve(ctx context.Context, req Request, username string, keyPair *crypto.KeyPair) error {
	p.mu.Lock()
	if p.stateLocked() != StateAdvertising {
		state := p.state
		p.mu.Unlock()
		if state == StateBound {
			return fmt.Errorf("pairing already approved: %w", protocol.ErrAlreadyResolved)
		}
		return fmt.Errorf("pairing window is %s: %w", state, protocol.ErrInvalidArgument)
	}
	pairingID := p.pairingID
	key := p.key
	p.mu.Unlock()

	plaintext, err := json.Marshal(&linkPayload{
		Username:  username,
		SecretKey: keyPair.Private[:],
	})
	if err != nil {
		return fmt.Errorf("failed to encode link payload: %w", err)
	}
	sealed, err := crypto.SealPairingPayload(key, plaintext)
	crypto.ZeroBytes(plaintext)
	if err != nil {
		return err
	}

	call := &protocol.PairApproveRequest{
		PairingID: pairingID,
		DeviceID:  req.DeviceID,
		RequestID: req.RequestID,
		Payload:   sealed,
	}
	if err := p.client.Call(ctx, protocol.OpPairApprove, call, nil); err != nil {
		return fmt.Errorf("failed to approve pairing: %w", err)
	}

	p.mu.Lock()
	p.state = StateBound
	crypto.ZeroBytes(p.key[:])
	p.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function":  "Approve",
		"device_id": req.DeviceID,
	}).Info("Device link approved")
	return nil
}

// Cancel closes the pairing window before anything was approved.
func (p *Pairer) Cancel(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateAdvertising && p.state != StateRequesting {
		p.mu.Unlock()
		return nil
	}
	pairingID := p.pairingID
	p.state = StateCancelled
	crypto.ZeroBytes(p.key[:])
	p.mu.Unlock()

	req := &protocol.PairCancelRequest{PairingID: pairingID}
	if err := p.client.Call(ctx, protocol.OpPairCancel, req, nil); err != nil {
		return fmt.Errorf("failed to cancel pairing: %w", err)
	}
	return nil
}

// RequestLink starts pairing on the new device using the code read from
// the primary's screen. It registers a pending request and returns; call
// PollStatus until the primary approves.
func (p *Pairer) RequestLink(ctx context.Context, code, deviceID string) error {
	secret, err := crypto.PairingSecretFromCode(code)
	if err != nil {
		return err
	}
	pairingID := crypto.PairingID(secret)
	key, err := crypto.PairingKey(secret)
	crypto.ZeroBytes(secret)
	if err != nil {
		return err
	}
	requestID, err := crypto.NewMessageID()
	if err != nil {
		crypto.ZeroBytes(key[:])
		return err
	}

	req := &protocol.PairRequestRequest{
		PairingID: pairingID,
		DeviceID:  deviceID,
		RequestID: requestID,
	}
	if err := p.client.Call(ctx, protocol.OpPairRequest, req, nil); err != nil {
		crypto.ZeroBytes(key[:])
		return fmt.Errorf("failed to request link: %w", err)
	}

	p.mu.Lock()
	p.state = StateRequesting
	p.pairingID = pairingID
	p.key = key
	p.deviceID = deviceID
	p.requestID = requestID
	p.started = time.Now()
	p.mu.Unlock()
	return nil
}

// PollStatus checks whether the primary approved. It returns (nil, nil)
// while the request is still pending and the identity once bound.
func (p *Pairer) PollStatus(ctx context.Context) (*LinkedIdentity, error) {
	p.mu.Lock()
	switch p.stateLocked() {
	case StateRequesting:
	case StateBound:
		p.mu.Unlock()
		return nil, fmt.Errorf("pairing already completed: %w", protocol.ErrAlreadyResolved)
	default:
		state := p.state
		p.mu.Unlock()
		return nil, fmt.Errorf("no link request in flight (state %s): %w", state, protocol.ErrInvalidArgument)
	}
	pairingID := p.pairingID
	requestID := p.requestID
	deviceID := p.deviceID
	key := p.key
	p.mu.Unlock()

	var resp protocol.PairStatusResponse
	req := &protocol.PairStatusRequest{PairingID: pairingID, RequestID: requestID}
	if err := p.client.Call(ctx, protocol.OpPairStatus, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to poll link status: %w", err)
	}
	if !resp.Completed {
		return nil, nil
	}

	plaintext, err := crypto.OpenPairingPayload(key, resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to open link payload: %w", err)
	}
	var payload linkPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		crypto.ZeroBytes(plaintext)
		return nil, fmt.Errorf("malformed link payload: %w", err)
	}
	crypto.ZeroBytes(plaintext)
	if len(payload.SecretKey) != 32 {
		return nil, fmt.Errorf("link payload carries invalid key: %w", protocol.ErrInvalidArgument)
	}

	id := &LinkedIdentity{
		Username: payload.Username,
		Token:    resp.Token,
		DeviceID: deviceID,
	}
	copy(id.SecretKey[:], payload.SecretKey)
	crypto.ZeroBytes(payload.SecretKey)

	p.mu.Lock()
	p.state = StateBound
	crypto.ZeroBytes(p.key[:])
	p.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "PollStatus",
		"username": payload.Username,
	}).Info("Device link completed")
	return id, nil
}
