package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/clipshelf/clipshelf/internal/database"
)

// API keys are provisioned by the account service; only their hashes are
// stored here.
const apiKeyPrefix = "cs_"

var errAPIKeyNotFound = errors.New("API key not found")

func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func LookupAPIKey(ctx context.Context, db database.DBTX, token string) (string, error) {
	if len(token) <= len(apiKeyPrefix) || token[:len(apiKeyPrefix)] != apiKeyPrefix {
		return "", errAPIKeyNotFound
	}

	keyHash := HashAPIKey(token)

	var userID string
	err := db.QueryRow(ctx,
		"SELECT user_id FROM api_keys WHERE key_hash = $1", keyHash,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errAPIKeyNotFound
		}
		return "", fmt.Errorf("lookup API key: %w", err)
	}

	go func() {
		if _, err := db.Exec(context.Background(),
			"UPDATE api_keys SET last_used_at = now() WHERE key_hash = $1", keyHash,
		); err != nil {
			slog.Error("auth: failed to update API key last_used_at", "error", err)
		}
	}()

	return userID, nil
}
