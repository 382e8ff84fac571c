package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Preference is one typed key-value setting.
type Preference struct {
	Key       string
	Value     string
	ValueType string // string, int, float, bool or json
	UpdatedAt time.Time
}

// SetPreference upserts a preference. An empty valueType defaults to
// string.
func (s *Store) SetPreference(ctx context.Context, key, value, valueType string) error {
	if valueType == "" {
		valueType = "string"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (key, value, value_type, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			value_type = excluded.value_type,
			updated_at = excluded.updated_at`,
		key, value, valueType, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// GetPreference returns a preference, or nil when unset.
func (s *Store) GetPreference(ctx context.Context, key string) (*Preference, error) {
	var pref Preference
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, value_type, updated_at FROM user_preferences WHERE key = ?",
		key).Scan(&pref.Key, &pref.Value, &pref.ValueType, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	pref.UpdatedAt = time.Unix(updated, 0)
	return &pref, nil
}

// DeletePreference removes a preference if present.
func (s *Store) DeletePreference(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM user_preferences WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}
	return nil
}
