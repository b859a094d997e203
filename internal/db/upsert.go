package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertSpec describes a bulk upsert keyed on a unique constraint.
type UpsertSpec struct {
	Table      string
	Columns    []string
	ConflictOn []string
	// Update lists the columns overwritten on conflict; nil means every
	// non-key column.
	Update []string
}

// BulkUpsert stages rows in a temp table with COPY and merges them into the
// target with INSERT ... ON CONFLICT DO UPDATE, all in one transaction.
func BulkUpsert(ctx context.Context, pool Pool, spec UpsertSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stage, merge, err := upsertSQL(spec)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = InTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, stage); err != nil {
			return eris.Wrapf(err, "db: upsert %s: stage table", spec.Table)
		}
		if _, err := CopyFrom(ctx, tx, stagingTable(spec.Table), spec.Columns, rows); err != nil {
			return eris.Wrapf(err, "db: upsert %s", spec.Table)
		}
		tag, err := tx.Exec(ctx, merge)
		if err != nil {
			return eris.Wrapf(err, "db: upsert %s: merge", spec.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

func upsertSQL(spec UpsertSpec) (stage, merge string, err error) {
	if len(spec.Columns) == 0 {
		return "", "", eris.New("db: upsert: no columns specified")
	}
	if len(spec.ConflictOn) == 0 {
		return "", "", eris.New("db: upsert: no conflict keys specified")
	}

	update := spec.Update
	if update == nil {
		keys := make(map[string]bool, len(spec.ConflictOn))
		for _, k := range spec.ConflictOn {
			keys[k] = true
		}
		for _, c := range spec.Columns {
			if !keys[c] {
				update = append(update, c)
			}
		}
	}

	staging := pgx.Identifier{stagingTable(spec.Table)}.Sanitize()
	target := pgx.Identifier{spec.Table}.Sanitize()

	stage = fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", staging, target)

	sets := make([]string, len(update))
	for i, c := range update {
		col := pgx.Identifier{c}.Sanitize()
		sets[i] = col + " = EXCLUDED." + col
	}
	cols := joinIdents(spec.Columns)
	merge = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		target, cols, cols, staging, joinIdents(spec.ConflictOn), strings.Join(sets, ", "))
	return stage, merge, nil
}

func stagingTable(table string) string {
	return "_stage_" + table
}

func joinIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
