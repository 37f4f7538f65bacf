package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/veilchat/engine/crypto"
	"github.com/veilchat/engine/protocol"
	"github.com/veilchat/engine/transport"
)

// ProgressFunc reports transfer progress. It is invoked synchronously on
// the calling goroutine; returning false aborts the transfer.
type ProgressFunc func(done, total uint64) bool

const progressChunk = 64 * 1024

// ErrAborted is returned when a ProgressFunc cancels a transfer.
var ErrAborted = fmt.Errorf("transfer aborted by caller")

// Downloader fetches attachment ciphertext (local cache first, then the
// relay) and decrypts it with the entry's content key.
type Downloader struct {
	store  *Store
	client transport.Client
}

// NewDownloader wires a downloader to the store's attachment cache.
func NewDownloader(store *Store, client transport.Client) *Downloader {
	return &Downloader{store: store, client: client}
}

// ToBytes downloads and decrypts an attachment. wipeSource removes the
// locally cached ciphertext (overwriting it first) after a successful
// read.
func (d *Downloader) ToBytes(ctx context.Context, conversationID string, isGroup bool, messageID string, progress ProgressFunc, wipeSource bool) ([]byte, error) {
	entry, ciphertext, err := d.fetch(ctx, conversationID, isGroup, messageID)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.OpenContent(entry.FileKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt attachment %s: %w", entry.FileID, err)
	}
	if err := reportProgress(plaintext, progress, func([]byte) error { return nil }); err != nil {
		crypto.ZeroBytes(plaintext)
		return nil, err
	}
	d.finish(entry.FileID, wipeSource)
	return plaintext, nil
}

// ToPath downloads and decrypts an attachment into a file at path.
func (d *Downloader) ToPath(ctx context.Context, conversationID string, isGroup bool, messageID, path string, progress ProgressFunc, wipeSource bool) error {
	entry, ciphertext, err := d.fetch(ctx, conversationID, isGroup, messageID)
	if err != nil {
		return err
	}
	plaintext, err := crypto.OpenContent(entry.FileKey, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to decrypt attachment %s: %w", entry.FileID, err)
	}
	defer crypto.ZeroBytes(plaintext)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	err = reportProgress(plaintext, progress, func(chunk []byte) error {
		_, werr := f.Write(chunk)
		return werr
	})
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	d.finish(entry.FileID, wipeSource)
	return nil
}

func (d *Downloader) fetch(ctx context.Context, conversationID string, isGroup bool, messageID string) (*Entry, []byte, error) {
	entry := d.store.Get(conversationID, isGroup, messageID)
	if entry == nil || entry.FileID == "" {
		return nil, nil, fmt.Errorf("no attachment for message %s: %w", messageID, protocol.ErrNotFound)
	}
	if len(entry.FileKey) == 0 {
		return nil, nil, fmt.Errorf("attachment key for %s was wiped: %w", entry.FileID, protocol.ErrNotFound)
	}
	if cached := d.store.CachedAttachment(entry.FileID); cached != nil {
		return entry, cached, nil
	}

	var resp protocol.FileGetResponse
	err := d.client.Call(ctx, protocol.OpFileGet, &protocol.FileGetRequest{FileID: entry.FileID}, &resp)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch attachment %s: %w", entry.FileID, err)
	}
	ciphertext := resp.Data
	if err := d.store.CacheAttachment(entry.FileID, ciphertext); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetch",
			"file_id":  entry.FileID,
			"error":    err,
		}).Warn("Failed to cache attachment ciphertext")
	}
	return entry, ciphertext, nil
}

func (d *Downloader) finish(fileID string, wipeSource bool) {
	if !wipeSource {
		return
	}
	path := d.store.attachmentPath(fileID)
	if path == "" {
		return
	}
	if err := SecureRemove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "finish",
			"file_id":  fileID,
			"error":    err,
		}).Warn("Failed to wipe cached attachment")
	}
}

func reportProgress(data []byte, progress ProgressFunc, sink func([]byte) error) error {
	total := uint64(len(data))
	var done uint64
	for done < total || total == 0 {
		end := done + progressChunk
		if end > total {
			end = total
		}
		if err := sink(data[done:end]); err != nil {
			return fmt.Errorf("failed to write attachment data: %w", err)
		}
		done = end
		if progress != nil && !progress(done, total) {
			return ErrAborted
		}
		if total == 0 {
			break
		}
	}
	return nil
}
