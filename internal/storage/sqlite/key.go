package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	porter "github.com/akarpov/porter/internal"
)

const keyColumns = `id, provider, secret_enc, masked_key, enabled, priority,
	 auth_header, auth_format,
	 requests_count, success_count, total_tokens, input_tokens, output_tokens,
	 total_cost, avg_latency, consecutive_errors, rate_limited_until, last_error,
	 last_used_at, last_rotation, requests_at_last_rotation, flagged_for_rotation,
	 created_at`

// CreateKey inserts a new provider key and assigns its ID.
func (s *Store) CreateKey(ctx context.Context, key *porter.ProviderKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (provider, secret_enc, masked_key, enabled, priority,
		 auth_header, auth_format,
		 requests_count, success_count, total_tokens, input_tokens, output_tokens,
		 total_cost, avg_latency, consecutive_errors, rate_limited_until, last_error,
		 last_used_at, last_rotation, requests_at_last_rotation, flagged_for_rotation,
		 created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Provider, key.Secret, key.Masked, boolToInt(key.Enabled), key.Priority,
		nullStr(key.AuthHeader), nullStr(key.AuthFormat),
		key.RequestsCount, key.SuccessCount, key.TotalTokens, key.InputTokens, key.OutputTokens,
		key.TotalCost, key.AvgLatency,
		key.ConsecutiveErrors, timeToStr(key.RateLimitedUntil), nullStr(key.LastError),
		timeToStr(key.LastUsedAt), timeToStr(key.LastRotation),
		key.RequestsAtLastRotation, boolToInt(key.FlaggedForRotation),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	key.ID, err = res.LastInsertId()
	return err
}

// ListKeys returns all provider keys ordered by ID.
func (s *Store) ListKeys(ctx context.Context) ([]porter.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM provider_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []porter.ProviderKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpdateKey persists the full mutable state of a key.
func (s *Store) UpdateKey(ctx context.Context, key *porter.ProviderKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys SET provider=?, secret_enc=?, masked_key=?, enabled=?, priority=?,
		 auth_header=?, auth_format=?,
		 requests_count=?, success_count=?, total_tokens=?, input_tokens=?, output_tokens=?,
		 total_cost=?, avg_latency=?, consecutive_errors=?, rate_limited_until=?,
		 last_error=?, last_used_at=?, last_rotation=?, requests_at_last_rotation=?,
		 flagged_for_rotation=?
		 WHERE id=?`,
		key.Provider, key.Secret, key.Masked, boolToInt(key.Enabled), key.Priority,
		nullStr(key.AuthHeader), nullStr(key.AuthFormat),
		key.RequestsCount, key.SuccessCount, key.TotalTokens, key.InputTokens, key.OutputTokens,
		key.TotalCost, key.AvgLatency,
		key.ConsecutiveErrors, timeToStr(key.RateLimitedUntil), nullStr(key.LastError),
		timeToStr(key.LastUsedAt), timeToStr(key.LastRotation),
		key.RequestsAtLastRotation, boolToInt(key.FlaggedForRotation), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}

// DeleteKey removes a provider key.
func (s *Store) DeleteKey(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*porter.ProviderKey, error) {
	var k porter.ProviderKey
	var enabled, flagged int
	var authHeader, authFormat sql.NullString
	var rateLimitedUntil, lastError, lastUsedAt, lastRotation, createdAt sql.NullString

	err := s.Scan(
		&k.ID, &k.Provider, &k.Secret, &k.Masked, &enabled, &k.Priority,
		&authHeader, &authFormat,
		&k.RequestsCount, &k.SuccessCount, &k.TotalTokens, &k.InputTokens, &k.OutputTokens,
		&k.TotalCost, &k.AvgLatency,
		&k.ConsecutiveErrors, &rateLimitedUntil, &lastError, &lastUsedAt,
		&lastRotation, &k.RequestsAtLastRotation, &flagged, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Enabled = enabled != 0
	k.FlaggedForRotation = flagged != 0
	k.AuthHeader = authHeader.String
	k.AuthFormat = authFormat.String
	k.LastError = lastError.String
	k.RateLimitedUntil = parseTime(rateLimitedUntil)
	k.LastUsedAt = parseTime(lastUsedAt)
	k.LastRotation = parseTime(lastRotation)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

// notFoundErr translates sql.ErrNoRows to porter.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return porter.ErrNotFound
	}
	return err
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, porter.ErrNotFound)
	}
	return nil
}
