package router

import (
	"context"
	"database/sql"
)

// SQLDatastore adapts *sql.DB to the Datastore contract for the
// direct-access pattern: simple reads and writes on owned tables, no
// RPC hop.
type SQLDatastore struct {
	DB *sql.DB
}

func (d SQLDatastore) Execute(ctx context.Context, query string, args []any) (Rows, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out Rows
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
