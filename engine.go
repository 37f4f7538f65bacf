package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/call"
	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/directory"
	"github.com/veilchat/engine/history"
	"github.com/veilchat/engine/media"
	"github.com/veilchat/engine/messaging"
	"github.com/veilchat/engine/pairing"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/session"
	"github.com/veilchat/engine/transport"
	"github.com/veilchat/engine/trust"
)

// Options configures a new engine.
type Options struct {
	// ServerURL is the relay's websocket endpoint. Ignored when a client
	// is supplied directly.
	ServerURL string
	// DataDir holds cached attachments and previews. Empty disables the
	// attachment cache.
	DataDir string
	// SecretKey restores an existing identity; zero generates a new one.
	SecretKey [32]byte
	// Media tunes frame buffering; zero fields use defaults.
	Media media.Config
}

// NewOptions returns options with default values.
func NewOptions() *Options {
	return &Options{Media: media.DefaultConfig()}
}

// Engine is the top-level client facade.
type Engine struct {
	opts    *Options
	client  transport.Client
	keyPair *crypto.KeyPair

	trust     *trust.Store
	session   *session.Manager
	directory *directory.Directory
	history   *history.Store
	download  *history.Downloader
	messenger *messaging.Messenger
	calls     *call.Manager
	media     *media.Relay
	pairer    *pairing.Pairer

	events *eventQueue
	done   chan struct{}
}

// Dial connects to the relay at opts.ServerURL and assembles an engine
// around the connection.
func Dial(ctx context.Context, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = NewOptions()
	}
	client, err := transport.DialWebsocket(ctx, opts.ServerURL)
	if err != nil {
		return nil, err
	}
	e, err := New(client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	return e, nil
}

// New assembles an engine around an established transport. The relay's
// static key enters the trust store as pending; Register and Login are
// refused until VerifyServerPin accepts it.
func New(client transport.Client, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = NewOptions()
	}
	var keyPair *crypto.KeyPair
	var err error
	if opts.SecretKey != ([32]byte{}) {
		keyPair, err = crypto.FromSecretKey(opts.SecretKey)
	} else {
		keyPair, err = crypto.GenerateKeyPair()
	}
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    opts,
		client:  client,
		keyPair: keyPair,
		trust:   trust.NewStore(),
		events:  newEventQueue(),
		done:    make(chan struct{}),
	}
	e.session = session.NewManager(client, keyPair)
	e.directory = directory.New(client)
	e.history = history.NewStore(opts.DataDir)
	e.download = history.NewDownloader(e.history, client)
	e.messenger = messaging.New(client, keyPair, e.directory, e.trust, e.history, e.session.Username)
	e.calls = call.NewManager(client)
	e.media = media.NewRelay(client, opts.Media)
	e.pairer = pairing.New(client)

	e.directory.SetPeerObserver(func(username string, publicKey [32]byte) {
		fingerprint := crypto.Fingerprint(publicKey)
		e.trust.ObservePeer(username, fingerprint)
		if !e.trust.PeerTrusted(username, fingerprint) {
			e.events.push(TrustEvent{
				Username:    username,
				Fingerprint: fingerprint,
				Pin:         crypto.PinFromFingerprint(fingerprint),
			})
		}
	})

	serverFP := crypto.Fingerprint(client.ServerKey())
	e.trust.ObserveServer(serverFP)
	if !e.trust.ServerTrusted(serverFP) {
		e.events.push(TrustEvent{
			Fingerprint: serverFP,
			Pin:         crypto.PinFromFingerprint(serverFP),
		})
	}

	go e.dispatch()
	return e, nil
}

// Close tears down the transport and stops event delivery.
func (e *Engine) Close() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	close(e.done)
	err := e.client.Close()
	e.events.close()
	return err
}

// Subsystem accessors.

func (e *Engine) Session() *session.Manager       { return e.session }
func (e *Engine) Trust() *trust.Store             { return e.trust }
func (e *Engine) Directory() *directory.Directory { return e.directory }
func (e *Engine) Messenger() *messaging.Messenger { return e.messenger }
func (e *Engine) Calls() *call.Manager            { return e.calls }
func (e *Engine) Media() *media.Relay             { return e.media }
func (e *Engine) History() *history.Store         { return e.history }
func (e *Engine) Downloads() *history.Downloader  { return e.download }
func (e *Engine) Pairing() *pairing.Pairer        { return e.pairer }

// KeyPair returns the local identity keys.
func (e *Engine) KeyPair() *crypto.KeyPair { return e.keyPair }

// SelfFingerprint returns the local identity fingerprint, for display
// next to the verification PIN.
func (e *Engine) SelfFingerprint() string {
	return crypto.Fingerprint(e.keyPair.Public)
}

// ServerPin returns the relay's verification PIN regardless of trust
// state, for out-of-band comparison.
func (e *Engine) ServerPin() string {
	return crypto.PinFromFingerprint(crypto.Fingerprint(e.client.ServerKey()))
}

// VerifyServerPin accepts the relay's identity after the user compared
// the PIN out of band. A wrong pin fails with ErrTrustMismatch and the
// relay stays untrusted.
func (e *Engine) VerifyServerPin(pin string) error {
	return e.trust.TrustPendingServer(pin)
}

// Register creates an account. Refused until the relay is verified.
func (e *Engine) Register(ctx context.Context, username, password string) error {
	if err := e.requireServerTrust(); err != nil {
		return err
	}
	return e.session.Register(ctx, username, password)
}

// Login authenticates. Refused until the relay is verified.
func (e *Engine) Login(ctx context.Context, username, password string) error {
	if err := e.requireServerTrust(); err != nil {
		return err
	}
	return e.session.Login(ctx, username, password)
}

func (e *Engine) requireServerTrust() error {
	if !e.trust.ServerTrusted(crypto.Fingerprint(e.client.ServerKey())) {
		return fmt.Errorf("relay identity not verified: %w", ErrTrustPending)
	}
	return nil
}

// AdoptLinkedIdentity installs the identity a completed pairing produced
// on this device. The caller reconnects as that identity without a
// password login.
func (e *Engine) AdoptLinkedIdentity(id *pairing.LinkedIdentity) error {
	keyPair, err := crypto.FromSecretKey(id.SecretKey)
	if err != nil {
		return err
	}
	crypto.WipeKeyPair(e.keyPair)
	e.keyPair = keyPair
	e.session.AdoptPaired(session.Identity{
		Username: id.Username,
		DeviceID: id.DeviceID,
		Token:    id.Token,
	})
	e.client.SetAuth(id.Token, id.DeviceID)
	return nil
}

// MediaRoot derives the fixed-length root secret for a 1:1 call with
// peer. Both sides derive the same value locally; no network round trip
// is involved. Fails with ErrTrustPending until the peer is verified.
func (e *Engine) MediaRoot(ctx context.Context, peer string, callID crypto.CallID) (crypto.MediaRoot, error) {
	key, err := e.directory.PeerKey(ctx, peer)
	if err != nil {
		return crypto.MediaRoot{}, err
	}
	if !e.trust.PeerTrusted(peer, crypto.Fingerprint(key)) {
		return crypto.MediaRoot{}, fmt.Errorf("peer %q not verified: %w", peer, ErrTrustPending)
	}
	shared, err := crypto.DeriveSharedSecret(key, e.keyPair.Private)
	if err != nil {
		return crypto.MediaRoot{}, err
	}
	defer crypto.ZeroBytes(shared[:])
	return crypto.DeriveMediaRoot(shared, callID)
}

// PollEvents drains up to max pending events (0 = no bound), blocking up
// to wait for the first one. A wait of zero polls without blocking.
func (e *Engine) PollEvents(max int, wait time.Duration) []Event {
	return e.events.poll(max, wait)
}

// dispatch routes server pushes into the subsystems and the event queue.
func (e *Engine) dispatch() {
	pushes := e.client.Pushes()
	for {
		select {
		case <-e.done:
			return
		case push, ok := <-pushes:
			if !ok {
				e.events.close()
				return
			}
			e.route(&push)
		}
	}
}

func (e *Engine) route(push *protocol.Push) {
	switch push.Kind {
	case protocol.PushMessage:
		e.routeMessage(push.Body)
	case protocol.PushNotice:
		e.routeNotice(push.Body)
	case protocol.PushFriend:
		e.routeFriend(push.Body)
	case protocol.PushGroup:
		e.routeGroup(push.Body)
	case protocol.PushCallSignal:
		e.routeCallSignal(push.Body)
	case protocol.PushCallKey:
		e.routeCallKey(push.Body)
	case protocol.PushMedia:
		e.routeMedia(push.Body)
	case protocol.PushPairing:
		e.routePairing(push.Body)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "route",
			"kind":     push.Kind,
		}).Warn("Unknown push kind")
	}
}
