// Package archive exports conversations to durable storage before the
// retention janitor deletes them, so a sweep never destroys history an
// operator still wants.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/szaher/recall/internal/memory"
)

// maxBundleMessages caps how much history one bundle carries.
const maxBundleMessages = 10000

// Bundle is one conversation with its message history in chronological
// order.
type Bundle struct {
	Conversation *memory.Conversation `json:"conversation"`
	Messages     []*memory.Message    `json:"messages"`
	ArchivedAt   time.Time            `json:"archived_at"`
}

// Exporter persists a bundle and returns where it was written.
type Exporter interface {
	Export(ctx context.Context, b *Bundle) (string, error)
}

// Collect loads a conversation and its history into a bundle.
func Collect(ctx context.Context, store memory.Store, conversationID string) (*Bundle, error) {
	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("collect conversation %s: %w", conversationID, err)
	}
	msgs, err := memory.RecentContext(ctx, store, conversationID, maxBundleMessages)
	if err != nil {
		return nil, fmt.Errorf("collect messages for %s: %w", conversationID, err)
	}
	return &Bundle{
		Conversation: conv,
		Messages:     msgs,
		ArchivedAt:   time.Now().UTC(),
	}, nil
}

// DirExporter writes each bundle as an indented JSON file under Dir,
// named after the conversation id.
type DirExporter struct {
	Dir string
}

// NewDirExporter creates a directory exporter rooted at dir.
func NewDirExporter(dir string) *DirExporter {
	return &DirExporter{Dir: dir}
}

// Export implements Exporter.
func (e *DirExporter) Export(_ context.Context, b *Bundle) (string, error) {
	if err := os.MkdirAll(e.Dir, 0o700); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(e.Dir, b.Conversation.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}
	return path, nil
}
