package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

const connectionColumns = `id, experiment_id, source_id, target_id, type, protocol, port, auth_method, cross_repository, created_at`

func scanConnection(stmt *sqlite.Stmt) schemas.Connection {
	return schemas.Connection{
		ID:              stmt.ColumnInt64(0),
		ExperimentID:    stmt.ColumnText(1),
		SourceID:        stmt.ColumnInt64(2),
		TargetID:        stmt.ColumnInt64(3),
		Type:            stmt.ColumnText(4),
		Protocol:        stmt.ColumnText(5),
		Port:            columnIntPtr(stmt, 6),
		AuthMethod:      stmt.ColumnText(7),
		CrossRepository: stmt.ColumnBool(8),
		CreatedAt:       parseTime(stmt.ColumnText(9)),
	}
}

// UpsertConnection records a directed edge between two resources of the
// same experiment. The natural key is (experiment, source, target, type).
// The edge is flagged cross-repository when the caller says so or when
// both endpoints are file-backed by different repositories.
func (s *Store) UpsertConnection(ctx context.Context, c schemas.Connection) (schemas.Connection, error) {
	if c.Type == "" {
		return c, fmt.Errorf("%w: connection type is required", ErrInvalid)
	}
	err := s.write(ctx, "connection", func(conn *sqlite.Conn) error {
		if err := requireExperiment(conn, c.ExperimentID); err != nil {
			return err
		}
		src, err := resourceInExperiment(conn, c.SourceID, c.ExperimentID, "source")
		if err != nil {
			return err
		}
		dst, err := resourceInExperiment(conn, c.TargetID, c.ExperimentID, "target")
		if err != nil {
			return err
		}
		if src.RepositoryID != nil && dst.RepositoryID != nil && *src.RepositoryID != *dst.RepositoryID {
			c.CrossRepository = true
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO resource_connections (experiment_id, source_id, target_id, type, protocol, port, auth_method, cross_repository, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (experiment_id, source_id, target_id, type) DO UPDATE SET
			   protocol = excluded.protocol,
			   port = excluded.port,
			   auth_method = excluded.auth_method,
			   cross_repository = excluded.cross_repository`,
			&sqlitex.ExecOptions{Args: []any{
				c.ExperimentID,
				c.SourceID,
				c.TargetID,
				c.Type,
				c.Protocol,
				nullInt(c.Port),
				c.AuthMethod,
				boolInt(c.CrossRepository),
				formatTime(s.now()),
			}})
		if err != nil {
			return fmt.Errorf("failed to upsert connection %d->%d: %w", c.SourceID, c.TargetID, err)
		}
		return sqlitex.Execute(conn,
			`SELECT `+connectionColumns+` FROM resource_connections
			 WHERE experiment_id = ? AND source_id = ? AND target_id = ? AND type = ?`,
			&sqlitex.ExecOptions{
				Args: []any{c.ExperimentID, c.SourceID, c.TargetID, c.Type},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					c = scanConnection(stmt)
					return nil
				},
			})
	})
	return c, err
}

// ListConnections returns every connection of an experiment in insertion
// order.
func (s *Store) ListConnections(ctx context.Context, experimentID string) ([]schemas.Connection, error) {
	return s.queryConnections(ctx,
		`SELECT `+connectionColumns+` FROM resource_connections WHERE experiment_id = ? ORDER BY id`, experimentID)
}

// OutgoingConnections returns the edges leaving one resource.
func (s *Store) OutgoingConnections(ctx context.Context, resourceID int64) ([]schemas.Connection, error) {
	return s.queryConnections(ctx,
		`SELECT `+connectionColumns+` FROM resource_connections WHERE source_id = ? ORDER BY id`, resourceID)
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]schemas.Connection, error) {
	conns := []schemas.Connection{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				conns = append(conns, scanConnection(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	return conns, nil
}
