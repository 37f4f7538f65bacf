package transport

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/veilchat/engine/protocol"
)

func randRead(b []byte) (int, error) {
	return rand.Read(b)
}

func (h *Loopback) pairing(pairingID string) (*loopPairing, error) {
	p, ok := h.pairings[pairingID]
	if !ok || p.cancelled || time.Since(p.created) > pairingWindow {
		return nil, fmt.Errorf("%w: no open pairing session", protocol.ErrNotFound)
	}
	return p, nil
}

func (h *Loopback) pairBegin(user string, body []byte) (any, error) {
	req, err := decode[protocol.PairBeginRequest](body)
	if err != nil {
		return nil, err
	}
	if req.PairingID == "" {
		return nil, fmt.Errorf("%w: pairing id required", protocol.ErrInvalidArgument)
	}
	h.pairings[req.PairingID] = &loopPairing{
		owner:    user,
		created:  time.Now(),
		resolved: make(map[string]bool),
		payloads: make(map[string][]byte),
		tokens:   make(map[string]string),
	}
	return nil, nil
}

// pairRequest is unauthenticated: the linked device has no session yet.
func (h *Loopback) pairRequest(body []byte) (any, error) {
	req, err := decode[protocol.PairRequestRequest](body)
	if err != nil {
		return nil, err
	}
	p, err := h.pairing(req.PairingID)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" || req.RequestID == "" {
		return nil, fmt.Errorf("%w: device id and request id required", protocol.ErrInvalidArgument)
	}
	for _, existing := range p.requests {
		if existing.RequestID == req.RequestID {
			return nil, nil
		}
	}
	p.requests = append(p.requests, protocol.PairingRequestEntry{
		DeviceID:  req.DeviceID,
		RequestID: req.RequestID,
	})
	h.deliver(p.owner, protocol.PushPairing, &protocol.PairingPush{
		PairingID: req.PairingID,
		DeviceID:  req.DeviceID,
		RequestID: req.RequestID,
	}, false)
	return nil, nil
}

func (h *Loopback) pairPoll(user string, body []byte) (any, error) {
	req, err := decode[protocol.PairPollRequest](body)
	if err != nil {
		return nil, err
	}
	p, err := h.pairing(req.PairingID)
	if err != nil {
		return nil, err
	}
	if p.owner != user {
		return nil, fmt.Errorf("%w: not the pairing owner", protocol.ErrAuthz)
	}
	resp := &protocol.PairPollResponse{}
	for _, entry := range p.requests {
		if !p.resolved[entry.RequestID] {
			resp.Requests = append(resp.Requests, entry)
		}
	}
	return resp, nil
}

func (h *Loopback) pairApprove(user string, body []byte) (any, error) {
	req, err := decode[protocol.PairApproveRequest](body)
	if err != nil {
		return nil, err
	}
	p, err := h.pairing(req.PairingID)
	if err != nil {
		return nil, err
	}
	if p.owner != user {
		return nil, fmt.Errorf("%w: not the pairing owner", protocol.ErrAuthz)
	}

	var match *protocol.PairingRequestEntry
	for i := range p.requests {
		if p.requests[i].RequestID == req.RequestID && p.requests[i].DeviceID == req.DeviceID {
			match = &p.requests[i]
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: no such pairing request", protocol.ErrNotFound)
	}
	if p.resolved[req.RequestID] {
		return nil, fmt.Errorf("%w: request %q", protocol.ErrAlreadyResolved, req.RequestID)
	}
	p.resolved[req.RequestID] = true
	p.payloads[req.RequestID] = append([]byte(nil), req.Payload...)

	// Bind the device and mint it a token the linked side collects via
	// pair.status.
	acct := h.accounts[user]
	acct.devices[req.DeviceID] = uint64(time.Now().Unix())
	token, err := h.newToken(user, req.DeviceID)
	if err != nil {
		return nil, err
	}
	p.tokens[req.RequestID] = token
	return nil, nil
}

// pairStatus is unauthenticated: polled by the linked device.
func (h *Loopback) pairStatus(body []byte) (any, error) {
	req, err := decode[protocol.PairStatusRequest](body)
	if err != nil {
		return nil, err
	}
	p, err := h.pairing(req.PairingID)
	if err != nil {
		return nil, err
	}
	if !p.resolved[req.RequestID] {
		return &protocol.PairStatusResponse{Completed: false}, nil
	}
	return &protocol.PairStatusResponse{
		Completed: true,
		Payload:   p.payloads[req.RequestID],
		Token:     p.tokens[req.RequestID],
	}, nil
}

func (h *Loopback) pairCancel(user string, body []byte) (any, error) {
	req, err := decode[protocol.PairCancelRequest](body)
	if err != nil {
		return nil, err
	}
	if p, ok := h.pairings[req.PairingID]; ok && p.owner == user {
		p.cancelled = true
	}
	return nil, nil
}
