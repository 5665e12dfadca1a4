// Package video serves the saved-video library: videos, tags and playlists,
// plus the persistence collaborator feed sessions write through.
package video

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/clipshelf/clipshelf/internal/auth"
	"github.com/clipshelf/clipshelf/internal/database"
	"github.com/clipshelf/clipshelf/internal/embed"
	"github.com/clipshelf/clipshelf/internal/metadata"
	"github.com/google/uuid"
)

const maxBodyBytes = 64 << 10

// MetadataFetcher scrapes optional title, thumbnail, author and duration
// hints from a video page.
type MetadataFetcher interface {
	Fetch(ctx context.Context, rawURL string) (metadata.Hints, error)
}

type Handler struct {
	db       database.DBTX
	storage  ObjectStorage
	selector *embed.Selector
	metadata MetadataFetcher
}

func NewHandler(db database.DBTX, storage ObjectStorage, selector *embed.Selector) *Handler {
	if selector == nil {
		selector = embed.NewSelector(embed.Options{})
	}
	return &Handler{db: db, storage: storage, selector: selector}
}

// SetMetadataFetcher enables best-effort metadata hints on create.
func (h *Handler) SetMetadataFetcher(f MetadataFetcher) {
	h.metadata = f
}

// Store returns the persistence collaborator scoped to the request's user.
func (h *Handler) Store(r *http.Request) *Store {
	return h.storeFor(auth.UserIDFromContext(r.Context()))
}

func (h *Handler) storeFor(userID string) *Store {
	return NewStore(h.db, h.storage, userID)
}

// validID rejects ids Postgres would refuse to cast to uuid, so they read as
// not found instead of a server error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// uniqueIDs drops duplicates, keeping first occurrences in order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// updateBuilder collects SET clauses for a partial update.
type updateBuilder struct {
	clauses []string
	args    []any
}

func (b *updateBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.clauses = append(b.clauses, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *updateBuilder) touch() {
	b.clauses = append(b.clauses, "updated_at = now()")
}

func (b *updateBuilder) empty() bool {
	return len(b.args) == 0
}

func (b *updateBuilder) build(table, id, userID string) (string, []any) {
	n := len(b.args)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND user_id = $%d",
		table, strings.Join(b.clauses, ", "), n+1, n+2)
	return query, append(b.args, id, userID)
}
