package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mandi.org/internal/access"
	"mandi.org/internal/stepup"
)

// ConfigVersion is bumped whenever the cached UI config layout changes. Entries
// written under another version are discarded, never migrated.
const ConfigVersion = 3

// Storage is durable client storage: string values by key.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ConfigKey is the storage key of the cached UI config for userID.
func ConfigKey(userID string) string {
	return fmt.Sprintf("mandi:uiconfig:v%d:%s", ConfigVersion, strings.TrimSpace(userID))
}

// TokenKey is the storage key of the held step-up session for userID.
func TokenKey(userID string) string {
	return "mandi:stepup:" + strings.TrimSpace(userID)
}

type tokenStore struct {
	storage Storage
	key     string
}

var _ stepup.TokenStore = (*tokenStore)(nil)

func (s *tokenStore) LoadToken(ctx context.Context) (stepup.Token, bool, error) {
	raw, ok, err := s.storage.Get(ctx, s.key)
	if err != nil || !ok {
		return stepup.Token{}, false, err
	}
	var tok stepup.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || strings.TrimSpace(tok.Value) == "" {
		// unreadable entries are dropped so the next verification can replace them
		_ = s.storage.Delete(ctx, s.key)
		return stepup.Token{}, false, nil
	}
	return tok, true, nil
}

func (s *tokenStore) SaveToken(ctx context.Context, tok stepup.Token) error {
	if strings.TrimSpace(tok.Value) == "" {
		return errors.New("session: empty step-up token")
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.storage.Set(ctx, s.key, string(data))
}

func (s *tokenStore) ClearToken(ctx context.Context) error {
	return s.storage.Delete(ctx, s.key)
}

type cachedConfig struct {
	Version int             `json:"version"`
	UserID  string          `json:"user_id"`
	Config  access.UIConfig `json:"config"`
}
