package messaging

import (
	"context"
	"fmt"

	"github.com/veilchat/engine/protocol"
)

// Notices are fire-and-forget signals: no envelope, no history entry,
// and the relay drops them for offline recipients.

// SendTyping tells a peer the local user started or stopped typing.
func (m *Messenger) SendTyping(ctx context.Context, to string, typing bool) error {
	return m.notice(ctx, &protocol.NoticeSendRequest{
		To:   to,
		Kind: protocol.NoticeTyping,
		On:   typing,
	})
}

// SendPresence announces the local user's online state to a peer.
func (m *Messenger) SendPresence(ctx context.Context, to string, online bool) error {
	return m.notice(ctx, &protocol.NoticeSendRequest{
		To:   to,
		Kind: protocol.NoticePresence,
		On:   online,
	})
}

// SendReadReceipt confirms that a message was displayed.
func (m *Messenger) SendReadReceipt(ctx context.Context, to, messageID string) error {
	return m.notice(ctx, &protocol.NoticeSendRequest{
		To:        to,
		Kind:      protocol.NoticeReceipt,
		MessageID: messageID,
	})
}

func (m *Messenger) notice(ctx context.Context, req *protocol.NoticeSendRequest) error {
	if err := m.client.Call(ctx, protocol.OpNoticeSend, req, nil); err != nil {
		return fmt.Errorf("failed to send %s notice: %w", req.Kind, err)
	}
	return nil
}
