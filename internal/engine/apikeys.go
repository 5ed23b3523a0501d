package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"jobflow/internal/audit"
	"jobflow/internal/domain"
	"jobflow/internal/repo"
)

type APIKeyOptions struct {
	ActorID   string `json:"actor_id" validate:"required"`
	Role      string `json:"role" validate:"required"`
	Name      string `json:"name,omitempty"`
	CreatedBy string `json:"created_by" validate:"required"`
}

// CreateAPIKey mints a key for a machine client. The plain key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, opts APIKeyOptions) (domain.APIKey, string, error) {
	if err := e.check(opts); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "jf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   strings.TrimSpace(opts.ActorID),
		Role:      strings.TrimSpace(opts.Role),
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", persistence("insert api key", err)
	}
	e.record(ctx, opts.CreatedBy, audit.ActionCreate, "api_key", key.ID, nil, map[string]any{"actor_id": key.ActorID, "role": key.Role, "name": key.Name})
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, persistence("list api keys", err)
	}
	return keys, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("api key", id)
		}
		return persistence("delete api key", err)
	}
	e.record(ctx, actorID, audit.ActionDelete, "api_key", id, nil, nil)
	return nil
}

// AuthenticateAPIKey resolves a plain key to its stored record.
func (e Engine) AuthenticateAPIKey(ctx context.Context, plain string) (domain.APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return domain.APIKey{}, invalid("api_key", "is required")
	}
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.APIKey{}, notFound("api key", "")
	}
	if err != nil {
		return domain.APIKey{}, persistence("get api key", err)
	}
	return key, nil
}
