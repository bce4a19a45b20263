package sqlite

import (
	"context"
	"testing"
)

func newTestClient(t *testing.T) *sqliteClient {
	t.Helper()

	client, err := NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIndexesExistAfterMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	tests := []struct {
		table string
		index string
	}{
		{table: "content_rules", index: "idx_content_rules_chat"},
		{table: "automation_jobs", index: "idx_automation_jobs_chat_run_at"},
		{table: "global_violators", index: "idx_global_violators_expires_at"},
		{table: "warns", index: "idx_warns_chat_user"},
		{table: "audit_log", index: "idx_audit_log_chat_created"},
	}

	for _, tt := range tests {
		rows, err := client.db.QueryContext(ctx, "PRAGMA index_list('"+tt.table+"')")
		if err != nil {
			t.Fatalf("query index_list: %v", err)
		}

		indexes := make(map[string]struct{})
		for rows.Next() {
			var (
				seq     int
				name    string
				unique  int
				origin  string
				partial int
			)
			if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
				_ = rows.Close()
				t.Fatalf("scan index row: %v", err)
			}
			indexes[name] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			t.Fatalf("iterate index rows: %v", err)
		}
		_ = rows.Close()

		if _, ok := indexes[tt.index]; !ok {
			t.Fatalf("required index %q not found on %s", tt.index, tt.table)
		}
	}
}

func TestReopenDoesNotReapplyMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewSQLiteClient(ctx, dir, "test.db")
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	if err := first.SetSetting(ctx, 1, "antispam", []byte(`{"threshold":3}`)); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	_ = first.Close()

	second, err := NewSQLiteClient(ctx, dir, "test.db")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	value, err := second.GetSetting(ctx, 1, "antispam")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if string(value) != `{"threshold":3}` {
		t.Fatalf("unexpected setting after reopen: %q", value)
	}
}
