package retrieval

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type EntityKind string

const (
	EntityDocument    EntityKind = "document"
	EntityAccount     EntityKind = "account"
	EntityOpportunity EntityKind = "opportunity"
)

// Entity is the minimal projection attached to a query result.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// EntityLookup loads entities of one kind by id. Missing ids are absent from
// the returned map.
type EntityLookup interface {
	Lookup(ctx context.Context, kind EntityKind, ids []string) (map[string]*Entity, error)
}

type PostgresEntityLookup struct {
	db *sql.DB
}

func NewPostgresEntityLookup(db *sql.DB) *PostgresEntityLookup {
	return &PostgresEntityLookup{db: db}
}

func (l *PostgresEntityLookup) Lookup(ctx context.Context, kind EntityKind, ids []string) (map[string]*Entity, error) {
	var query string
	switch kind {
	case EntityDocument:
		query = `SELECT id, name, type FROM documents WHERE id = ANY($1::uuid[])`
	case EntityAccount:
		query = `SELECT id, name, '' FROM accounts WHERE id = ANY($1::uuid[])`
	case EntityOpportunity:
		query = `SELECT id, name, '' FROM opportunities WHERE id = ANY($1::uuid[])`
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	out := make(map[string]*Entity, len(valid))
	if len(valid) == 0 {
		return out, nil
	}

	rows, err := l.db.QueryContext(ctx, query, pq.Array(valid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		e := &Entity{}
		if err := rows.Scan(&e.ID, &e.Name, &e.Type); err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}
