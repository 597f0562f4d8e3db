// Package history writes the per-row audit trail: one version row per
// change, with field-level old/new values and an optional full snapshot.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"lattice-backend/internal/clock"
	"lattice-backend/internal/store"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ErrUnsupported marks operations the trail intentionally refuses, such as
// restoring a row to an arbitrary version.
var ErrUnsupported = errors.New("operation not supported")

// Change is one field-level difference inside a version. Old is nil for
// inserts, New is nil for deletes.
type Change struct {
	FieldName string  `json:"field_name"`
	Old       *string `json:"old,omitempty"`
	New       *string `json:"new,omitempty"`
}

// Version is one entry of a row's trail.
type Version struct {
	ID         string    `json:"id"`
	TableName  string    `json:"table_name"`
	RowKey     string    `json:"row_key"`
	VersionNum int64     `json:"version"`
	Operation  Operation `json:"operation"`
	RecordedAt time.Time `json:"recorded_at"`
	RecordedBy string    `json:"recorded_by,omitempty"`
	Snapshot   string    `json:"snapshot,omitempty"`
	Changes    []Change  `json:"changes"`
}

// Engine persists and reads history versions.
type Engine struct {
	store   *store.Store
	clock   clock.Clock
	entropy *rand.Rand
}

func New(s *store.Store, clk clock.Clock) *Engine {
	return &Engine{
		store:   s,
		clock:   clk,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) newID() string {
	return ulid.MustNew(ulid.Timestamp(e.clock.UtcNow()), e.entropy).String()
}

// Record writes one version for a row. The version number is strictly
// monotonic per (table, row key), starting at 1. Inserts diff against
// nothing, updates keep only fields whose serialized value changed, deletes
// carry the pre-image. An update with no effective change writes nothing.
func (e *Engine) Record(ctx context.Context, table, rowKey, userID string, op Operation, newValues, oldValues map[string]string) error {
	changes := diff(op, newValues, oldValues)
	if op == OpUpdate && len(changes) == 0 {
		return nil
	}

	snapshot := ""
	snapSource := newValues
	if op == OpDelete {
		snapSource = oldValues
	}
	if len(snapSource) > 0 {
		if b, err := json.Marshal(snapSource); err == nil {
			snapshot = string(b)
		}
	}

	d := e.store.Dialect
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("history tx: %w", err)
	}
	defer tx.Rollback()

	// MAX+1 under the same transaction keeps version numbers gapless per key.
	verRow, err := store.QueryRow(ctx, tx,
		`SELECT COALESCE(MAX(version_num), 0) + 1 AS next FROM _history
		 WHERE table_name = `+d.Placeholder(1)+` AND row_key = `+d.Placeholder(2),
		table, rowKey)
	if err != nil {
		return fmt.Errorf("history next version: %w", err)
	}
	version := store.RowInt(verRow, "next")

	id := e.newID()
	pb := d.NewParamBuilder()
	_, err = store.Exec(ctx, tx, fmt.Sprintf(
		`INSERT INTO _history (id, table_name, row_key, version_num, operation, recorded_at, recorded_by, snapshot)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(table), pb.Add(rowKey), pb.Add(version),
		pb.Add(string(op)), pb.Add(e.clock.UtcNow()), pb.Add(userID), pb.Add(snapshot)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("history insert: %w", err)
	}

	for _, c := range changes {
		cpb := d.NewParamBuilder()
		_, err = store.Exec(ctx, tx, fmt.Sprintf(
			`INSERT INTO _history_changes (id, version_id, field_name, old_value, new_value)
			 VALUES (%s, %s, %s, %s, %s)`,
			cpb.Add(e.newID()), cpb.Add(id), cpb.Add(c.FieldName),
			cpb.Add(nullable(c.Old)), cpb.Add(nullable(c.New))),
			cpb.Params()...)
		if err != nil {
			return fmt.Errorf("history change insert: %w", err)
		}
	}

	return tx.Commit()
}

// GetHistory returns the full trail of one row, oldest version first.
func (e *Engine) GetHistory(ctx context.Context, table, rowKey string) ([]Version, error) {
	d := e.store.Dialect
	rows, err := store.QueryRows(ctx, e.store.DB,
		`SELECT id, table_name, row_key, version_num, operation, recorded_at, recorded_by, snapshot
		 FROM _history
		 WHERE table_name = `+d.Placeholder(1)+` AND row_key = `+d.Placeholder(2)+`
		 ORDER BY version_num`,
		table, rowKey)
	if err != nil {
		return nil, fmt.Errorf("history read: %w", err)
	}

	versions := make([]Version, 0, len(rows))
	index := make(map[string]int, len(rows))
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		v := Version{
			ID:         store.RowString(row, "id"),
			TableName:  store.RowString(row, "table_name"),
			RowKey:     store.RowString(row, "row_key"),
			VersionNum: store.RowInt(row, "version_num"),
			Operation:  Operation(store.RowString(row, "operation")),
			RecordedAt: store.RowTime(row, "recorded_at"),
			RecordedBy: store.RowString(row, "recorded_by"),
			Snapshot:   store.RowString(row, "snapshot"),
			Changes:    []Change{},
		}
		index[v.ID] = len(versions)
		versions = append(versions, v)
		ids = append(ids, v.ID)
	}
	if len(versions) == 0 {
		return versions, nil
	}

	pb := d.NewParamBuilder()
	phs := make([]string, 0, len(ids))
	for _, id := range ids {
		phs = append(phs, pb.Add(id))
	}
	changeRows, err := store.QueryRows(ctx, e.store.DB,
		`SELECT version_id, field_name, old_value, new_value FROM _history_changes
		 WHERE version_id IN (`+strings.Join(phs, ", ")+`) ORDER BY field_name`,
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("history changes read: %w", err)
	}
	for _, row := range changeRows {
		i, ok := index[store.RowString(row, "version_id")]
		if !ok {
			continue
		}
		versions[i].Changes = append(versions[i].Changes, Change{
			FieldName: store.RowString(row, "field_name"),
			Old:       optString(row["old_value"]),
			New:       optString(row["new_value"]),
		})
	}
	return versions, nil
}

// Restore is intentionally unsupported. The trail is append-only evidence;
// rebuilding a row from it would bypass validation and rights.
func (e *Engine) Restore(_ context.Context, _, _ string, _ int64) error {
	return ErrUnsupported
}

// diff computes the field-level changes for an operation.
func diff(op Operation, newValues, oldValues map[string]string) []Change {
	var changes []Change
	switch op {
	case OpInsert:
		for name, v := range newValues {
			nv := v
			changes = append(changes, Change{FieldName: name, New: &nv})
		}
	case OpDelete:
		for name, v := range oldValues {
			ov := v
			changes = append(changes, Change{FieldName: name, Old: &ov})
		}
	case OpUpdate:
		for name, nv := range newValues {
			ov, had := oldValues[name]
			if had && ov == nv {
				continue
			}
			newCopy := nv
			c := Change{FieldName: name, New: &newCopy}
			if had {
				oldCopy := ov
				c.Old = &oldCopy
			}
			changes = append(changes, c)
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].FieldName < changes[j].FieldName })
	return changes
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optString(v any) *string {
	if v == nil {
		return nil
	}
	switch s := v.(type) {
	case string:
		return &s
	case []byte:
		str := string(s)
		return &str
	default:
		str := fmt.Sprintf("%v", s)
		return &str
	}
}
