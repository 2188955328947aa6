package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

const propertyColumns = `id, resource_id, property_key, property_value, value_type, category, is_security_relevant, recorded_at`

func scanProperty(stmt *sqlite.Stmt) schemas.Property {
	return schemas.Property{
		ID:               stmt.ColumnInt64(0),
		ResourceID:       stmt.ColumnInt64(1),
		Key:              stmt.ColumnText(2),
		Value:            stmt.ColumnText(3),
		ValueType:        schemas.PropertyValueType(stmt.ColumnText(4)),
		Category:         schemas.PropertyCategory(stmt.ColumnText(5)),
		SecurityRelevant: stmt.ColumnBool(6),
		RecordedAt:       parseTime(stmt.ColumnText(7)),
	}
}

// ValidateProperty checks that a property's value matches its declared
// type and that its category is known. Empty type and category default to
// string and general.
func ValidateProperty(p *schemas.Property) error {
	if p.Key == "" {
		return fmt.Errorf("%w: property key is required", ErrInvalid)
	}
	if p.ValueType == "" {
		p.ValueType = schemas.ValueString
	}
	if p.Category == "" {
		p.Category = schemas.CategoryGeneral
	}

	switch p.Category {
	case schemas.CategorySecurity, schemas.CategoryNetwork, schemas.CategoryIdentity,
		schemas.CategoryCompute, schemas.CategoryStorage, schemas.CategoryGeneral:
	default:
		return fmt.Errorf("%w: property %q has unknown category %q", ErrParse, p.Key, p.Category)
	}

	var err error
	switch p.ValueType {
	case schemas.ValueString:
	case schemas.ValueInt:
		_, err = strconv.ParseInt(p.Value, 10, 64)
	case schemas.ValueBool:
		_, err = strconv.ParseBool(p.Value)
	case schemas.ValueJSON:
		if !json.Valid([]byte(p.Value)) {
			err = fmt.Errorf("invalid JSON")
		}
	default:
		return fmt.Errorf("%w: property %q has unknown value type %q", ErrParse, p.Key, p.ValueType)
	}
	if err != nil {
		return fmt.Errorf("%w: property %q value %q is not a valid %s: %v", ErrParse, p.Key, p.Value, p.ValueType, err)
	}
	return nil
}

// AddProperty appends a property row. Earlier rows with the same key are
// kept as history.
func (s *Store) AddProperty(ctx context.Context, prop schemas.Property) (schemas.Property, error) {
	if err := ValidateProperty(&prop); err != nil {
		return prop, err
	}
	err := s.write(ctx, "property", func(conn *sqlite.Conn) error {
		if _, found, err := getResource(conn, prop.ResourceID); err != nil {
			return err
		} else if !found {
			return integrityf("resource %d does not exist", prop.ResourceID)
		}

		prop.RecordedAt = s.now().UTC()
		err := sqlitex.Execute(conn,
			`INSERT INTO resource_properties (resource_id, property_key, property_value, value_type, category, is_security_relevant, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				prop.ResourceID,
				prop.Key,
				prop.Value,
				string(prop.ValueType),
				string(prop.Category),
				boolInt(prop.SecurityRelevant),
				formatTime(prop.RecordedAt),
			}})
		if err != nil {
			return fmt.Errorf("failed to insert property %q: %w", prop.Key, err)
		}
		prop.ID = conn.LastInsertRowID()
		return nil
	})
	return prop, err
}

// Properties returns the most recent value of every key of a resource,
// ordered by key.
func (s *Store) Properties(ctx context.Context, resourceID int64) ([]schemas.Property, error) {
	history, err := s.queryProperties(ctx,
		`SELECT `+propertyColumns+` FROM resource_properties
		 WHERE resource_id = ? ORDER BY property_key, recorded_at DESC, id DESC`, resourceID)
	if err != nil {
		return nil, err
	}
	latest := make([]schemas.Property, 0, len(history))
	for _, p := range history {
		if n := len(latest); n > 0 && latest[n-1].Key == p.Key {
			continue
		}
		latest = append(latest, p)
	}
	return latest, nil
}

// PropertyHistory returns every recorded value of one key, newest first.
func (s *Store) PropertyHistory(ctx context.Context, resourceID int64, key string) ([]schemas.Property, error) {
	return s.queryProperties(ctx,
		`SELECT `+propertyColumns+` FROM resource_properties
		 WHERE resource_id = ? AND property_key = ? ORDER BY recorded_at DESC, id DESC`, resourceID, key)
}

func (s *Store) queryProperties(ctx context.Context, query string, args ...any) ([]schemas.Property, error) {
	props := []schemas.Property{}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				props = append(props, scanProperty(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	return props, nil
}
