package directory

import (
	"context"
	"fmt"

	"github.com/veilchat/engine/protocol"
)

// PeerKey returns the identity public key for a peer, fetching and
// caching it on first use. Newly learned keys are reported to the peer
// observer so they enter the trust store as pending.
func (d *Directory) PeerKey(ctx context.Context, username string) ([32]byte, error) {
	d.mu.RLock()
	key, ok := d.peerKeys[username]
	d.mu.RUnlock()
	if ok {
		return key, nil
	}

	var resp protocol.PeerInfoResponse
	req := &protocol.PeerInfoRequest{Username: username}
	if err := d.client.Call(ctx, protocol.OpPeerInfo, req, &resp); err != nil {
		return [32]byte{}, fmt.Errorf("peer info for %q: %w", username, err)
	}
	if len(resp.PublicKey) != 32 {
		return [32]byte{}, fmt.Errorf("%w: peer %q has no published key", protocol.ErrNotFound, username)
	}
	copy(key[:], resp.PublicKey)
	d.LearnPeerKey(username, key)
	return key, nil
}

// LearnPeerKey records a peer identity key observed in inbound traffic.
func (d *Directory) LearnPeerKey(username string, key [32]byte) {
	d.mu.Lock()
	_, known := d.peerKeys[username]
	if !known {
		d.peerKeys[username] = key
	}
	observer := d.peerObserver
	d.mu.Unlock()

	if !known && observer != nil {
		observer(username, key)
	}
}

// CachedPeerKey returns a previously learned key without a network call.
func (d *Directory) CachedPeerKey(username string) ([32]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.peerKeys[username]
	return key, ok
}
