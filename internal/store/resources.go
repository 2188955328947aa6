package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// -- Repositories --

const repositoryColumns = `id, experiment_id, name, remote_url, kind, file_count, iac_file_count, code_file_count, created_at`

func scanRepository(stmt *sqlite.Stmt) schemas.Repository {
	return schemas.Repository{
		ID:            stmt.ColumnInt64(0),
		ExperimentID:  stmt.ColumnText(1),
		Name:          stmt.ColumnText(2),
		RemoteURL:     stmt.ColumnText(3),
		Kind:          schemas.RepositoryKind(stmt.ColumnText(4)),
		FileCount:     stmt.ColumnInt(5),
		IaCFileCount:  stmt.ColumnInt(6),
		CodeFileCount: stmt.ColumnInt(7),
		CreatedAt:     parseTime(stmt.ColumnText(8)),
	}
}

// UpsertRepository inserts a repository or refreshes the one with the same
// (experiment, name).
func (s *Store) UpsertRepository(ctx context.Context, repo schemas.Repository) (schemas.Repository, error) {
	if repo.Name == "" {
		return repo, fmt.Errorf("%w: repository name is required", ErrInvalid)
	}
	if repo.Kind == "" {
		repo.Kind = schemas.RepositoryInfrastructure
	}

	err := s.write(ctx, "repository", func(conn *sqlite.Conn) error {
		if err := requireExperiment(conn, repo.ExperimentID); err != nil {
			return err
		}
		err := sqlitex.Execute(conn,
			`INSERT INTO repositories (experiment_id, name, remote_url, kind, file_count, iac_file_count, code_file_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (experiment_id, name) DO UPDATE SET
			   remote_url = excluded.remote_url,
			   kind = excluded.kind,
			   file_count = excluded.file_count,
			   iac_file_count = excluded.iac_file_count,
			   code_file_count = excluded.code_file_count`,
			&sqlitex.ExecOptions{Args: []any{
				repo.ExperimentID,
				repo.Name,
				repo.RemoteURL,
				string(repo.Kind),
				int64(repo.FileCount),
				int64(repo.IaCFileCount),
				int64(repo.CodeFileCount),
				formatTime(s.now()),
			}})
		if err != nil {
			return fmt.Errorf("failed to upsert repository %q: %w", repo.Name, err)
		}
		return sqlitex.Execute(conn,
			`SELECT `+repositoryColumns+` FROM repositories WHERE experiment_id = ? AND name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{repo.ExperimentID, repo.Name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					repo = scanRepository(stmt)
					return nil
				},
			})
	})
	return repo, err
}

// ListRepositories returns the repositories of one experiment by name.
func (s *Store) ListRepositories(ctx context.Context, experimentID string) ([]schemas.Repository, error) {
	repos := []schemas.Repository{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+repositoryColumns+` FROM repositories WHERE experiment_id = ? ORDER BY name, id`,
			&sqlitex.ExecOptions{
				Args: []any{experimentID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					repos = append(repos, scanRepository(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	return repos, nil
}

// -- Resources --

const resourceColumns = `id, experiment_id, repository_id, parent_id, name, type, provider, region,
	source_file, source_line_start, source_line_end, status, first_seen, last_seen`

func scanResource(stmt *sqlite.Stmt) schemas.Resource {
	return schemas.Resource{
		ID:              stmt.ColumnInt64(0),
		ExperimentID:    stmt.ColumnText(1),
		RepositoryID:    columnInt64Ptr(stmt, 2),
		ParentID:        columnInt64Ptr(stmt, 3),
		Name:            stmt.ColumnText(4),
		Type:            stmt.ColumnText(5),
		Provider:        stmt.ColumnText(6),
		Region:          stmt.ColumnText(7),
		SourceFile:      stmt.ColumnText(8),
		SourceLineStart: columnIntPtr(stmt, 9),
		SourceLineEnd:   columnIntPtr(stmt, 10),
		Status:          schemas.ResourceStatus(stmt.ColumnText(11)),
		FirstSeen:       parseTime(stmt.ColumnText(12)),
		LastSeen:        parseTime(stmt.ColumnText(13)),
	}
}

// UpsertResource inserts a resource or refreshes the one with the same
// (experiment, type, name). FirstSeen is kept from the first insert;
// LastSeen moves to now on every call.
func (s *Store) UpsertResource(ctx context.Context, res schemas.Resource) (schemas.Resource, error) {
	if res.Name == "" || res.Type == "" {
		return res, fmt.Errorf("%w: resource name and type are required", ErrInvalid)
	}
	if res.Status == "" {
		res.Status = schemas.ResourceActive
	}

	err := s.write(ctx, "resource", func(conn *sqlite.Conn) error {
		if err := requireExperiment(conn, res.ExperimentID); err != nil {
			return err
		}
		if res.RepositoryID != nil {
			ok, err := exists(conn, `SELECT 1 FROM repositories WHERE id = ? AND experiment_id = ?`,
				*res.RepositoryID, res.ExperimentID)
			if err != nil {
				return err
			}
			if !ok {
				return integrityf("repository %d does not exist in experiment %q", *res.RepositoryID, res.ExperimentID)
			}
		}

		existing, found, err := findResource(conn, res.ExperimentID, res.Type, res.Name)
		if err != nil {
			return err
		}
		if res.ParentID != nil {
			if found && *res.ParentID == existing.ID {
				return integrityf("resource %q cannot be its own parent", res.Name)
			}
			parent, ok, err := getResource(conn, *res.ParentID)
			if err != nil {
				return err
			}
			if !ok || parent.ExperimentID != res.ExperimentID {
				return integrityf("parent resource %d does not exist in experiment %q", *res.ParentID, res.ExperimentID)
			}
		}

		now := formatTime(s.now())
		err = sqlitex.Execute(conn,
			`INSERT INTO resources (experiment_id, repository_id, parent_id, name, type, provider, region,
			   source_file, source_line_start, source_line_end, status, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (experiment_id, type, name) DO UPDATE SET
			   repository_id = excluded.repository_id,
			   parent_id = excluded.parent_id,
			   provider = excluded.provider,
			   region = excluded.region,
			   source_file = excluded.source_file,
			   source_line_start = excluded.source_line_start,
			   source_line_end = excluded.source_line_end,
			   status = excluded.status,
			   last_seen = excluded.last_seen`,
			&sqlitex.ExecOptions{Args: []any{
				res.ExperimentID,
				nullInt64(res.RepositoryID),
				nullInt64(res.ParentID),
				res.Name,
				res.Type,
				res.Provider,
				res.Region,
				res.SourceFile,
				nullInt(res.SourceLineStart),
				nullInt(res.SourceLineEnd),
				string(res.Status),
				now,
				now,
			}})
		if err != nil {
			return fmt.Errorf("failed to upsert resource %s/%s: %w", res.Type, res.Name, err)
		}
		res, _, err = findResource(conn, res.ExperimentID, res.Type, res.Name)
		return err
	})
	return res, err
}

func getResource(conn *sqlite.Conn, id int64) (schemas.Resource, bool, error) {
	var (
		res   schemas.Resource
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+resourceColumns+` FROM resources WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				res = scanResource(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return res, false, fmt.Errorf("failed to load resource %d: %w", id, err)
	}
	return res, found, nil
}

func findResource(conn *sqlite.Conn, experimentID, typ, name string) (schemas.Resource, bool, error) {
	var (
		res   schemas.Resource
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+resourceColumns+` FROM resources WHERE experiment_id = ? AND type = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{experimentID, typ, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				res = scanResource(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return res, false, fmt.Errorf("failed to look up resource %s/%s: %w", typ, name, err)
	}
	return res, found, nil
}

// GetResource returns the resource with the given id or ErrNotFound.
func (s *Store) GetResource(ctx context.Context, id int64) (schemas.Resource, error) {
	var res schemas.Resource
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var (
			found bool
			err   error
		)
		res, found, err = getResource(conn, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("resource %d: %w", id, ErrNotFound)
		}
		return nil
	})
	return res, err
}

// FindResource looks a resource up by its natural key.
func (s *Store) FindResource(ctx context.Context, experimentID, typ, name string) (schemas.Resource, error) {
	var res schemas.Resource
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var (
			found bool
			err   error
		)
		res, found, err = findResource(conn, experimentID, typ, name)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("resource %s/%s in experiment %q: %w", typ, name, experimentID, ErrNotFound)
		}
		return nil
	})
	return res, err
}

// ListResources returns every resource of an experiment, deleted ones
// included, in insertion order.
func (s *Store) ListResources(ctx context.Context, experimentID string) ([]schemas.Resource, error) {
	return s.queryResources(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE experiment_id = ? ORDER BY id`, experimentID)
}

// Children returns the direct hierarchy children of a resource, by name.
func (s *Store) Children(ctx context.Context, parentID int64) ([]schemas.Resource, error) {
	return s.queryResources(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE parent_id = ? ORDER BY name, id`, parentID)
}

func (s *Store) queryResources(ctx context.Context, query string, args ...any) ([]schemas.Resource, error) {
	resources := []schemas.Resource{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				resources = append(resources, scanResource(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	return resources, nil
}

// AncestorChain returns the parents of a resource, nearest first. The walk
// stops at a root or at the first id it has already seen, so a corrupted
// parent cycle still terminates.
func (s *Store) AncestorChain(ctx context.Context, id int64) ([]schemas.Resource, error) {
	chain := []schemas.Resource{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		res, found, err := getResource(conn, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("resource %d: %w", id, ErrNotFound)
		}
		seen := map[int64]bool{id: true}
		for res.ParentID != nil && !seen[*res.ParentID] {
			seen[*res.ParentID] = true
			res, found, err = getResource(conn, *res.ParentID)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			chain = append(chain, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// MarkResourceDeleted flags a resource as gone. The row and everything
// attached to it stay in place for historical queries.
func (s *Store) MarkResourceDeleted(ctx context.Context, id int64) error {
	return s.write(ctx, "resource", func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			`UPDATE resources SET status = ?, last_seen = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(schemas.ResourceDeleted), formatTime(s.now()), id}}); err != nil {
			return fmt.Errorf("failed to mark resource %d deleted: %w", id, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("resource %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func requireExperiment(conn *sqlite.Conn, id string) error {
	if id == "" {
		return integrityf("experiment id is required")
	}
	ok, err := exists(conn, `SELECT 1 FROM experiments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !ok {
		return integrityf("experiment %q does not exist", id)
	}
	return nil
}

// resourceInExperiment returns the resource with id when it belongs to
// experimentID, or an integrity error naming role.
func resourceInExperiment(conn *sqlite.Conn, id int64, experimentID, role string) (schemas.Resource, error) {
	res, found, err := getResource(conn, id)
	if err != nil {
		return res, err
	}
	if !found {
		return res, integrityf("%s resource %d does not exist", role, id)
	}
	if res.ExperimentID != experimentID {
		return res, integrityf("%s resource %d belongs to experiment %q, not %q", role, id, res.ExperimentID, experimentID)
	}
	return res, nil
}
