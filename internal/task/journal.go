package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteJournal persists records in the task_records table created by storage.BootstrapSQLite.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLiteJournal(db *sql.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db}
}

func (j *SQLiteJournal) Save(ctx context.Context, rec Record) error {
	var (
		success any
		output  any
		errText any
	)
	if rec.Result != nil {
		success = rec.Result.Success
		output = rec.Result.Output
		errText = rec.Result.Error
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO task_records(
  task_id, command, target, status, progress, message,
  result_success, result_output, result_error, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  status = excluded.status,
  progress = excluded.progress,
  message = excluded.message,
  result_success = excluded.result_success,
  result_output = excluded.result_output,
  result_error = excluded.result_error,
  updated_at = excluded.updated_at;
`, rec.TaskID, rec.Command, rec.Target, rec.Status, rec.Progress, rec.Message,
		success, output, errText,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save task record: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Delete(ctx context.Context, taskID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM task_records WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete task record: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT task_id, command, target, status, progress, message,
       result_success, result_output, result_error, created_at, updated_at
FROM task_records
ORDER BY created_at ASC, rowid ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("query task records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			target     sql.NullString
			statusS    string
			success    sql.NullBool
			output     sql.NullString
			errText    sql.NullString
			createdAtS string
			updatedAtS string
		)
		if err := rows.Scan(
			&rec.TaskID, &rec.Command, &target, &statusS, &rec.Progress, &rec.Message,
			&success, &output, &errText, &createdAtS, &updatedAtS,
		); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}

		rec.Status = Status(statusS)
		rec.Target = target.String
		if success.Valid {
			rec.Result = &Result{Success: success.Bool, Output: output.String, Error: errText.String}
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtS); err != nil {
			return nil, fmt.Errorf("task record %s: parse created_at: %w", rec.TaskID, err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtS); err != nil {
			return nil, fmt.Errorf("task record %s: parse updated_at: %w", rec.TaskID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return out, nil
}
