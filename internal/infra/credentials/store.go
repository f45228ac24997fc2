// Package credentials persists third-party provider secrets in the database
// so API keys can be rotated without redeploying the worker.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"server/internal/infra"
	"server/internal/sqlinline"
)

// ProviderImage is the token slot for the external image-generation provider.
const ProviderImage = "image"

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// ImageProviderKey returns the stored API key for the image provider, empty
// when none has been configured.
func (s *Store) ImageProviderKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderImage)
}

// SetImageProviderKey stores or rotates the image provider's API key.
func (s *Store) SetImageProviderKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("image provider api key is required")
	}
	return s.upsert(ctx, ProviderImage, key, nil)
}

// Token returns the stored secret for any provider slot.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
