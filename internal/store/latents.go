package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/seantiz/unidenoise/internal/tensor"
)

// EncodeLatents serializes a latent tensor for storage.
func EncodeLatents(t *tensor.Tensor) ([]byte, error) {
	return msgpack.Marshal(t)
}

// DecodeLatents is the inverse of EncodeLatents.
func DecodeLatents(b []byte) (*tensor.Tensor, error) {
	var t tensor.Tensor
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	if len(t.Data) != tensor.NumElements(t.Shape) {
		return nil, fmt.Errorf("latents have %d elements, shape %v needs %d",
			len(t.Data), t.Shape, tensor.NumElements(t.Shape))
	}
	return &t, nil
}

// SaveLatents stores t under name. Names are write-once.
func (s *SQLiteStore) SaveLatents(ctx context.Context, name, runID string, t *tensor.Tensor) error {
	b, err := EncodeLatents(t)
	if err != nil {
		return fmt.Errorf("encode latents: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO latents (name, run_id, data, created_at) VALUES (?, ?, ?, ?)",
		name, runID, b, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert latents: %w", err)
	}
	return nil
}

// LoadLatents returns the tensor stored under name.
func (s *SQLiteStore) LoadLatents(ctx context.Context, name string) (*tensor.Tensor, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM latents WHERE name = ?", name).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latents: %w", err)
	}
	t, err := DecodeLatents(b)
	if err != nil {
		return nil, fmt.Errorf("decode latents: %w", err)
	}
	return t, nil
}
