package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	porter "github.com/akarpov/porter/internal"
)

// CreateModelConfig inserts a model config and assigns its ID.
func (s *Store) CreateModelConfig(ctx context.Context, mc *porter.ModelConfig) error {
	keywords, err := marshalStringSlice(mc.PromptKeywords)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO model_configs (route_key, target_model, provider, api_base,
		 auth_header, auth_format, enabled, priority, prompt_keywords, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mc.RouteKey, mc.TargetModel, mc.Provider, nullStr(mc.APIBase),
		nullStr(mc.AuthHeader), nullStr(mc.AuthFormat),
		boolToInt(mc.Enabled), mc.Priority, keywords, nullStr(mc.Description),
	)
	if err != nil {
		return err
	}
	mc.ID, err = res.LastInsertId()
	return err
}

// ListModelConfigs returns all model configs ordered by ID.
func (s *Store) ListModelConfigs(ctx context.Context) ([]porter.ModelConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, route_key, target_model, provider, api_base,
		 auth_header, auth_format, enabled, priority, prompt_keywords, description
		 FROM model_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []porter.ModelConfig
	for rows.Next() {
		var mc porter.ModelConfig
		var enabled int
		var apiBase, authHeader, authFormat, keywordsJSON, description sql.NullString
		err := rows.Scan(&mc.ID, &mc.RouteKey, &mc.TargetModel, &mc.Provider,
			&apiBase, &authHeader, &authFormat, &enabled, &mc.Priority, &keywordsJSON, &description)
		if err != nil {
			return nil, err
		}
		mc.Enabled = enabled != 0
		mc.APIBase = apiBase.String
		mc.AuthHeader = authHeader.String
		mc.AuthFormat = authFormat.String
		mc.Description = description.String
		mc.PromptKeywords, err = unmarshalStringSlice(keywordsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// UpdateModelConfig updates an existing model config.
func (s *Store) UpdateModelConfig(ctx context.Context, mc *porter.ModelConfig) error {
	keywords, err := marshalStringSlice(mc.PromptKeywords)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE model_configs SET route_key=?, target_model=?, provider=?, api_base=?,
		 auth_header=?, auth_format=?, enabled=?, priority=?, prompt_keywords=?, description=?
		 WHERE id=?`,
		mc.RouteKey, mc.TargetModel, mc.Provider, nullStr(mc.APIBase),
		nullStr(mc.AuthHeader), nullStr(mc.AuthFormat),
		boolToInt(mc.Enabled), mc.Priority, keywords, nullStr(mc.Description), mc.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model config")
}

// DeleteModelConfig removes a model config.
func (s *Store) DeleteModelConfig(ctx context.Context, id int64) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM model_configs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model config")
}

func marshalStringSlice(s []string) (sql.NullString, error) {
	if len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}
