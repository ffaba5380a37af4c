package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/storage"
)

// InsertRequestLogs batch-inserts request log records.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []porter.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 12
	placeholders := make([]string, len(logs))
	args := make([]any, 0, len(logs)*cols)

	for i, l := range logs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			l.ID, l.CreatedAt.UTC().Format(time.RFC3339Nano),
			l.SourceAPI, l.TargetAPI, l.SourceModel, l.TargetModel, l.Provider,
			rawToNull(l.RequestBody), rawToNull(l.ResponseBody),
			l.StatusCode, nullStr(l.ErrorMessage), l.ProcessingTime,
		)
	}

	query := `INSERT INTO request_logs
		(id, created_at, source_api, target_api, source_model, target_model,
		 provider, request_body, response_body, status_code, error_message, processing_time)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryRequestLogs returns request logs matching the filter, newest first.
func (s *Store) QueryRequestLogs(ctx context.Context, f storage.RequestLogFilter) ([]porter.RequestLog, error) {
	where, args := requestLogWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, created_at, source_api, target_api, source_model, target_model,
		 provider, request_body, response_body, status_code, error_message, processing_time
		 FROM request_logs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []porter.RequestLog
	for rows.Next() {
		var l porter.RequestLog
		var createdAt string
		var reqBody, respBody, errMsg sql.NullString
		err := rows.Scan(&l.ID, &createdAt, &l.SourceAPI, &l.TargetAPI,
			&l.SourceModel, &l.TargetModel, &l.Provider,
			&reqBody, &respBody, &l.StatusCode, &errMsg, &l.ProcessingTime)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339Nano, createdAt); e == nil {
			l.CreatedAt = t
		}
		if reqBody.Valid {
			l.RequestBody = json.RawMessage(reqBody.String)
		}
		if respBody.Valid {
			l.ResponseBody = json.RawMessage(respBody.String)
		}
		l.ErrorMessage = errMsg.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountRequestLogs returns the count of request logs matching the filter.
func (s *Store) CountRequestLogs(ctx context.Context, f storage.RequestLogFilter) (int, error) {
	where, args := requestLogWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs`+where, args...,
	).Scan(&n)
	return n, err
}

func requestLogWhere(f storage.RequestLogFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "(source_model = ? OR target_model = ?)")
		args = append(args, f.Model, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
