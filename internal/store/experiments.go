package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

const experimentColumns = `id, parent_id, status, finding_count, average_score, accuracy, created_at, updated_at`

func scanExperiment(stmt *sqlite.Stmt) schemas.Experiment {
	return schemas.Experiment{
		ID:           stmt.ColumnText(0),
		ParentID:     columnStringPtr(stmt, 1),
		Status:       schemas.ExperimentStatus(stmt.ColumnText(2)),
		FindingCount: stmt.ColumnInt(3),
		AverageScore: columnFloatPtr(stmt, 4),
		Accuracy:     columnFloatPtr(stmt, 5),
		CreatedAt:    parseTime(stmt.ColumnText(6)),
		UpdatedAt:    parseTime(stmt.ColumnText(7)),
	}
}

// CreateExperiment records a new run. An empty ID is replaced with a fresh
// UUID and an empty status with "running". Creating an id that already
// exists is an integrity violation; use EnsureExperiment to reuse one.
func (s *Store) CreateExperiment(ctx context.Context, exp schemas.Experiment) (schemas.Experiment, error) {
	var out schemas.Experiment
	err := s.write(ctx, "experiment", func(conn *sqlite.Conn) error {
		var err error
		out, err = createExperiment(conn, exp, s.now())
		return err
	})
	return out, err
}

// EnsureExperiment returns the experiment with exp.ID, creating it first if
// it does not exist yet. Repeated ingestion runs use it to stay idempotent.
func (s *Store) EnsureExperiment(ctx context.Context, exp schemas.Experiment) (schemas.Experiment, error) {
	var out schemas.Experiment
	err := s.write(ctx, "experiment", func(conn *sqlite.Conn) error {
		if exp.ID != "" {
			existing, found, err := getExperiment(conn, exp.ID)
			if err != nil {
				return err
			}
			if found {
				out = existing
				return nil
			}
		}
		var err error
		out, err = createExperiment(conn, exp, s.now())
		return err
	})
	return out, err
}

func createExperiment(conn *sqlite.Conn, exp schemas.Experiment, now time.Time) (schemas.Experiment, error) {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Status == "" {
		exp.Status = schemas.ExperimentRunning
	}
	if !exp.Status.Valid() {
		return exp, fmt.Errorf("%w: unknown experiment status %q", ErrInvalid, exp.Status)
	}

	if _, found, err := getExperiment(conn, exp.ID); err != nil {
		return exp, err
	} else if found {
		return exp, integrityf("experiment %q already exists", exp.ID)
	}
	if exp.ParentID != nil {
		if *exp.ParentID == exp.ID {
			return exp, integrityf("experiment %q cannot be its own parent", exp.ID)
		}
		if _, found, err := getExperiment(conn, *exp.ParentID); err != nil {
			return exp, err
		} else if !found {
			return exp, integrityf("parent experiment %q does not exist", *exp.ParentID)
		}
	}

	exp.CreatedAt = now.UTC()
	exp.UpdatedAt = exp.CreatedAt
	err := sqlitex.Execute(conn,
		`INSERT INTO experiments (`+experimentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			exp.ID,
			nullString(exp.ParentID),
			string(exp.Status),
			int64(exp.FindingCount),
			nullFloat(exp.AverageScore),
			nullFloat(exp.Accuracy),
			formatTime(exp.CreatedAt),
			formatTime(exp.UpdatedAt),
		}})
	if err != nil {
		return exp, fmt.Errorf("failed to insert experiment %q: %w", exp.ID, err)
	}
	return exp, nil
}

func getExperiment(conn *sqlite.Conn, id string) (schemas.Experiment, bool, error) {
	var (
		exp   schemas.Experiment
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exp = scanExperiment(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return exp, false, fmt.Errorf("failed to load experiment %q: %w", id, err)
	}
	return exp, found, nil
}

// GetExperiment returns the experiment with the given id or ErrNotFound.
func (s *Store) GetExperiment(ctx context.Context, id string) (schemas.Experiment, error) {
	var exp schemas.Experiment
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var (
			found bool
			err   error
		)
		exp, found, err = getExperiment(conn, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
		}
		return nil
	})
	return exp, err
}

// ListExperiments returns every experiment, oldest first.
func (s *Store) ListExperiments(ctx context.Context) ([]schemas.Experiment, error) {
	exps := []schemas.Experiment{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at, id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					exps = append(exps, scanExperiment(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return exps, nil
}

// SetExperimentStatus moves an experiment to a new lifecycle state.
func (s *Store) SetExperimentStatus(ctx context.Context, id string, status schemas.ExperimentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown experiment status %q", ErrInvalid, status)
	}
	return s.write(ctx, "experiment", func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(status), formatTime(s.now()), id}}); err != nil {
			return fmt.Errorf("failed to update experiment %q: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

// UpdateExperimentMetrics overwrites the aggregate metrics of an experiment.
func (s *Store) UpdateExperimentMetrics(ctx context.Context, id string, m schemas.ExperimentMetrics) error {
	return s.write(ctx, "experiment", func(conn *sqlite.Conn) error {
		return updateMetrics(conn, id, m, s.now())
	})
}

func updateMetrics(conn *sqlite.Conn, id string, m schemas.ExperimentMetrics, now time.Time) error {
	if err := sqlitex.Execute(conn,
		`UPDATE experiments SET finding_count = ?, average_score = ?, accuracy = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			int64(m.FindingCount),
			nullFloat(m.AverageScore),
			nullFloat(m.Accuracy),
			formatTime(now),
			id,
		}}); err != nil {
		return fmt.Errorf("failed to update metrics of experiment %q: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	return nil
}

// RecomputeExperimentMetrics derives finding count and average score from
// the stored findings. Findings without a numeric score are counted but do
// not contribute to the average. Accuracy is left untouched.
func (s *Store) RecomputeExperimentMetrics(ctx context.Context, id string) (schemas.ExperimentMetrics, error) {
	var m schemas.ExperimentMetrics
	err := s.write(ctx, "experiment", func(conn *sqlite.Conn) error {
		exp, found, err := getExperiment(conn, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("experiment %q: %w", id, ErrNotFound)
		}
		m.Accuracy = exp.Accuracy

		err = sqlitex.Execute(conn,
			`SELECT COUNT(*), AVG(severity_score) FROM findings WHERE experiment_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					m.FindingCount = stmt.ColumnInt(0)
					m.AverageScore = columnFloatPtr(stmt, 1)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("failed to aggregate findings of experiment %q: %w", id, err)
		}
		return updateMetrics(conn, id, m, s.now())
	})
	return m, err
}
