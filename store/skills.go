package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SkillRecord mirrors one parsed SKILL.md file.
type SkillRecord struct {
	ID          int64
	Name        string
	Description string
	Category    string
	Version     string
	Author      string
	Command     string
	Parameters  string // JSON array of parameter declarations
	Knowledge   string
	Enabled     bool
	UseCount    int64
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const skillColumns = `id, name, description, category, version, author, command,
	parameters, knowledge, enabled, use_count, last_used_at, created_at, updated_at`

// UpsertSkill inserts or updates a skill by case-insensitive name and
// returns its id. Use counters survive updates.
func (s *Store) UpsertSkill(ctx context.Context, rec SkillRecord) (int64, error) {
	now := time.Now().Unix()
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT id FROM skills WHERE lower(name) = lower(?)", rec.Name)
		switch err := row.Scan(&id); {
		case err == nil:
			_, err := tx.ExecContext(ctx, `
				UPDATE skills
				SET name = ?, description = ?, category = ?, version = ?, author = ?,
					command = ?, parameters = ?, knowledge = ?, enabled = ?, updated_at = ?
				WHERE id = ?`,
				rec.Name, rec.Description, rec.Category, rec.Version, rec.Author,
				rec.Command, rec.Parameters, rec.Knowledge, rec.Enabled, now, id)
			if err != nil {
				return fmt.Errorf("update skill: %w", err)
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			result, err := tx.ExecContext(ctx, `
				INSERT INTO skills
				(name, description, category, version, author, command, parameters,
					knowledge, enabled, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.Name, rec.Description, rec.Category, rec.Version, rec.Author,
				rec.Command, rec.Parameters, rec.Knowledge, rec.Enabled, now, now)
			if err != nil {
				return fmt.Errorf("insert skill: %w", err)
			}
			id, err = result.LastInsertId()
			return err
		default:
			return fmt.Errorf("look up skill: %w", err)
		}
	})
	return id, err
}

// GetSkill returns a skill by id, or nil when absent.
func (s *Store) GetSkill(ctx context.Context, id int64) (*SkillRecord, error) {
	return s.scanOneSkill(s.db.QueryRowContext(ctx,
		"SELECT "+skillColumns+" FROM skills WHERE id = ?", id))
}

// GetSkillByName returns a skill by case-insensitive name, or nil when
// absent.
func (s *Store) GetSkillByName(ctx context.Context, name string) (*SkillRecord, error) {
	return s.scanOneSkill(s.db.QueryRowContext(ctx,
		"SELECT "+skillColumns+" FROM skills WHERE lower(name) = lower(?)", name))
}

// ListSkills returns skills, optionally restricted to enabled ones and a
// category.
func (s *Store) ListSkills(ctx context.Context, onlyEnabled bool, category string) ([]SkillRecord, error) {
	query := "SELECT " + skillColumns + " FROM skills WHERE 1=1"
	var args []any
	if onlyEnabled {
		query += " AND enabled = 1"
	}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY lower(name)"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	skills := []SkillRecord{}
	for rows.Next() {
		rec, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, rec)
	}
	return skills, rows.Err()
}

// SkillCategories returns the distinct non-empty categories.
func (s *Store) SkillCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT category FROM skills WHERE category != '' ORDER BY category")
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}

// IncrementSkillUse bumps the use counter and touches last_used_at.
func (s *Store) IncrementSkillUse(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE skills SET use_count = use_count + 1, last_used_at = ?
		WHERE lower(name) = lower(?)`,
		time.Now().Unix(), name)
	if err != nil {
		return fmt.Errorf("increment skill use: %w", err)
	}
	return nil
}

// DeleteSkillByName removes a skill's mirror row.
func (s *Store) DeleteSkillByName(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM skills WHERE lower(name) = lower(?)", name)
	if err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOneSkill(row *sql.Row) (*SkillRecord, error) {
	rec, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanSkill(row rowScanner) (SkillRecord, error) {
	var rec SkillRecord
	var lastUsed sql.NullInt64
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Category, &rec.Version,
		&rec.Author, &rec.Command, &rec.Parameters, &rec.Knowledge, &rec.Enabled,
		&rec.UseCount, &lastUsed, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan skill: %w", err)
	}
	rec.LastUsedAt = unixPtr(lastUsed)
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}
