// Package limits provides centralized size limits for the engine.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxTextMessage is the limit for plaintext chat messages in bytes.
	MaxTextMessage = 4096

	// MaxReplyPreview is the limit for the short preview string carried
	// with a reply reference.
	MaxReplyPreview = 128

	// MaxRemark is the limit for friend remarks and display overrides.
	MaxRemark = 128

	// MaxUsername is the limit for usernames and group identifiers.
	MaxUsername = 64

	// MaxStickerID is the limit for sticker identifiers.
	MaxStickerID = 64

	// MaxLocationLabel is the limit for location labels.
	MaxLocationLabel = 256

	// MaxMediaPacket is the limit for a single relayed media packet.
	MaxMediaPacket = 65536

	// MaxAttachmentPreview is the limit for cached attachment preview blobs.
	MaxAttachmentPreview = 256 * 1024

	// MaxAttachment is the limit for attachment ciphertext handled in one
	// upload or download (64MB). Prevents memory exhaustion on untrusted
	// declared sizes.
	MaxAttachment = 64 * 1024 * 1024

	// MaxSignalExt is the limit for the opaque extension payload of a
	// call signal.
	MaxSignalExt = 4096

	// CallIDLen is the fixed length of call identifiers in bytes.
	CallIDLen = 16

	// CallKeyLen is the fixed length of group call key material in bytes.
	CallKeyLen = 32

	// MediaRootLen is the fixed length of derived media root secrets.
	MediaRootLen = 32
)

var (
	// ErrEmpty indicates an empty value was provided where content is required.
	ErrEmpty = errors.New("empty value")

	// ErrTooLarge indicates a value exceeds its maximum size.
	ErrTooLarge = errors.New("value too large")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidateText validates a chat message body against MaxTextMessage.
func ValidateText(text string) error {
	if len(text) == 0 {
		return ErrEmpty
	}
	if len(text) > MaxTextMessage {
		return fmt.Errorf("%w: text size %d exceeds limit %d", ErrTooLarge, len(text), MaxTextMessage)
	}
	return nil
}

// ValidateName validates a username or group id. Empty names are rejected;
// oversized names are rejected with context.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrEmpty
	}
	if len(name) > MaxUsername {
		return fmt.Errorf("%w: name size %d exceeds limit %d", ErrTooLarge, len(name), MaxUsername)
	}
	return nil
}

// ValidateLimit validates the size of an optional value: empty passes,
// oversized is rejected with context.
func ValidateLimit(size, maxSize int) error {
	if size > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrTooLarge, size, maxSize)
	}
	return nil
}

// ValidateMediaPacket validates a relayed media packet size.
func ValidateMediaPacket(packet []byte) error {
	return ValidateSize(packet, MaxMediaPacket)
}
