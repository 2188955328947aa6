package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// findingSelect joins the linked resource so readers get its type and name
// without a second lookup.
const findingSelect = `SELECT f.id, f.experiment_id, f.resource_id, f.title, f.description, f.category,
	f.severity_score, f.base_severity, f.overall_score, f.evidence, f.source_file, f.document_path,
	f.status, f.source, f.created_at, COALESCE(r.type, ''), COALESCE(r.name, '')
	FROM findings f LEFT JOIN resources r ON r.id = f.resource_id`

func scanFinding(stmt *sqlite.Stmt) schemas.Finding {
	return schemas.Finding{
		ID:            stmt.ColumnInt64(0),
		ExperimentID:  stmt.ColumnText(1),
		ResourceID:    columnInt64Ptr(stmt, 2),
		Title:         stmt.ColumnText(3),
		Description:   stmt.ColumnText(4),
		Category:      stmt.ColumnText(5),
		SeverityScore: columnIntPtr(stmt, 6),
		BaseSeverity:  stmt.ColumnText(7),
		OverallScore:  stmt.ColumnText(8),
		Evidence:      stmt.ColumnText(9),
		SourceFile:    stmt.ColumnText(10),
		DocumentPath:  stmt.ColumnText(11),
		Status:        schemas.FindingStatus(stmt.ColumnText(12)),
		Source:        schemas.FindingSource(stmt.ColumnText(13)),
		CreatedAt:     parseTime(stmt.ColumnText(14)),
		ResourceType:  stmt.ColumnText(15),
		ResourceName:  stmt.ColumnText(16),
	}
}

// InsertFinding stores an authored finding as-is. The score fields are
// never derived or adjusted here.
func (s *Store) InsertFinding(ctx context.Context, f schemas.Finding) (schemas.Finding, error) {
	if strings.TrimSpace(f.Title) == "" {
		return f, fmt.Errorf("%w: finding title is required", ErrInvalid)
	}
	if f.Status == "" {
		f.Status = schemas.FindingOpen
	}
	if !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown finding status %q", ErrInvalid, f.Status)
	}
	if f.Source == "" {
		f.Source = schemas.SourceCloud
	}

	err := s.write(ctx, "finding", func(conn *sqlite.Conn) error {
		if err := requireExperiment(conn, f.ExperimentID); err != nil {
			return err
		}
		if f.ResourceID != nil {
			res, err := resourceInExperiment(conn, *f.ResourceID, f.ExperimentID, "finding")
			if err != nil {
				return err
			}
			f.ResourceType, f.ResourceName = res.Type, res.Name
		}

		f.CreatedAt = s.now().UTC()
		err := sqlitex.Execute(conn,
			`INSERT INTO findings (experiment_id, resource_id, title, description, category, severity_score,
			   base_severity, overall_score, evidence, source_file, document_path, status, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				f.ExperimentID,
				nullInt64(f.ResourceID),
				f.Title,
				f.Description,
				f.Category,
				nullInt(f.SeverityScore),
				f.BaseSeverity,
				f.OverallScore,
				f.Evidence,
				f.SourceFile,
				f.DocumentPath,
				string(f.Status),
				string(f.Source),
				formatTime(f.CreatedAt),
			}})
		if err != nil {
			return fmt.Errorf("failed to insert finding %q: %w", f.Title, err)
		}
		f.ID = conn.LastInsertRowID()
		return nil
	})
	return f, err
}

// GetFinding returns one finding or ErrNotFound.
func (s *Store) GetFinding(ctx context.Context, id int64) (schemas.Finding, error) {
	var (
		f     schemas.Finding
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, findingSelect+` WHERE f.id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				f = scanFinding(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return f, fmt.Errorf("failed to load finding %d: %w", id, err)
	}
	if !found {
		return f, fmt.Errorf("finding %d: %w", id, ErrNotFound)
	}
	return f, nil
}

// QueryFindings returns the findings matching filter ordered by id. A
// minimum score excludes findings without a numeric score.
func (s *Store) QueryFindings(ctx context.Context, filter schemas.FindingFilter) ([]schemas.Finding, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.ExperimentIDs) > 0 {
		where = append(where, "f.experiment_id IN ("+placeholders(len(filter.ExperimentIDs))+")")
		for _, id := range filter.ExperimentIDs {
			args = append(args, id)
		}
	}
	if filter.ResourceID != nil {
		where = append(where, "f.resource_id = ?")
		args = append(args, *filter.ResourceID)
	}
	if filter.MinScore > 0 {
		where = append(where, "f.severity_score >= ?")
		args = append(args, int64(filter.MinScore))
	}
	if filter.Category != "" {
		where = append(where, "f.category = ?")
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		where = append(where, "f.status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.Sources) > 0 {
		where = append(where, "f.source IN ("+placeholders(len(filter.Sources))+")")
		for _, src := range filter.Sources {
			args = append(args, string(src))
		}
	}

	query := findingSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY f.id"

	findings := []schemas.Finding{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				findings = append(findings, scanFinding(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	return findings, nil
}

// SetFindingStatus moves a finding through its lifecycle.
func (s *Store) SetFindingStatus(ctx context.Context, id int64, status schemas.FindingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown finding status %q", ErrInvalid, status)
	}
	return s.write(ctx, "finding", func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `UPDATE findings SET status = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(status), id}}); err != nil {
			return fmt.Errorf("failed to update finding %d: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("finding %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
