// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package mirror

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/auth"
	"github.com/tomtom215/lenssync/internal/logging"
)

var _ auth.CredentialStore = (*Mirror)(nil)

func init() {
	logging.SetLogger(zerolog.Nop())
}

type user struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func createUsers(m *Migrator) error { return m.CreateCollection("users") }

func openMem(t *testing.T, migrations ...Migration) *Mirror {
	t.Helper()
	m, err := Open(Config{InMemory: true}, migrations)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpenAppliesMigrations(t *testing.T) {
	m := openMem(t,
		Migration{Name: "users", Up: createUsers},
		Migration{Name: "cards", Up: func(m *Migrator) error {
			if !m.HasCollection("users") {
				t.Error("step 2 does not see users")
			}
			return m.CreateCollection("cards")
		}},
	)

	if got := m.Version(); got != 2 {
		t.Errorf("Version() = %d, want 2", got)
	}
	if got, want := m.Collections(), []string{"cards", "users"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Collections() = %v, want %v", got, want)
	}
}

func TestMigrationsRunOnceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	runs := 0
	migs := []Migration{{Name: "users", Up: func(m *Migrator) error {
		runs++
		return createUsers(m)
	}}}

	m, err := Open(Config{Path: dir}, migs)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	if err := m.Put(ctx, "users", "u1", user{ID: "u1", Email: "a@b.c"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	m, err = Open(Config{Path: dir}, migs)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer m.Close()

	if runs != 1 {
		t.Errorf("migration ran %d times, want 1", runs)
	}
	var got user
	if err := m.Get(ctx, "users", "u1", &got); err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Email != "a@b.c" {
		t.Errorf("Email = %q, want a@b.c", got.Email)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Path: dir}, []Migration{
		{Name: "users", Up: createUsers},
		{Name: "cards", Up: func(m *Migrator) error { return m.CreateCollection("cards") }},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = m.Close()

	_, err = Open(Config{Path: dir}, []Migration{{Name: "users", Up: createUsers}})
	if !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("Open() error = %v, want ErrSchemaTooNew", err)
	}
}

func TestFailedMigrationLeavesPreviousVersion(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	_, err := Open(Config{Path: dir}, []Migration{
		{Name: "users", Up: createUsers},
		{Name: "broken", Up: func(m *Migrator) error {
			_ = m.CreateCollection("half")
			return boom
		}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Open() error = %v, want boom", err)
	}

	m, err := Open(Config{Path: dir}, []Migration{{Name: "users", Up: createUsers}})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer m.Close()
	if got := m.Version(); got != 1 {
		t.Errorf("Version() = %d, want 1", got)
	}
	if got, want := m.Collections(), []string{"users"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Collections() = %v, want %v", got, want)
	}
}

func TestRecordOperations(t *testing.T) {
	m := openMem(t, Migration{Name: "users", Up: createUsers})
	ctx := context.Background()

	var got user
	if err := m.Get(ctx, "users", "missing", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := m.Put(ctx, "nope", "x", user{}); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Put(unknown collection) error = %v, want ErrUnknownCollection", err)
	}

	if err := m.Put(ctx, "users", "u1", user{ID: "u1", Email: "one"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := m.Put(ctx, "users", "u1", user{ID: "u1", Email: "two"}); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	if err := m.Get(ctx, "users", "u1", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Email != "two" {
		t.Errorf("Email = %q, want two", got.Email)
	}

	if err := m.Delete(ctx, "users", "u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "users", "u1"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
	if err := m.Get(ctx, "users", "u1", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestGetAllScopedToCollection(t *testing.T) {
	m := openMem(t,
		Migration{Name: "users", Up: func(m *Migrator) error {
			if err := m.CreateCollection("users"); err != nil {
				return err
			}
			return m.CreateCollection("users2")
		}},
	)
	ctx := context.Background()

	err := m.PutMany(ctx, "users", map[string]any{
		"b": user{ID: "b"},
		"a": user{ID: "a"},
	})
	if err != nil {
		t.Fatalf("PutMany() error = %v", err)
	}
	if err := m.Put(ctx, "users2", "c", user{ID: "c"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	users, err := GetAllInto[user](ctx, m, "users")
	if err != nil {
		t.Fatalf("GetAllInto() error = %v", err)
	}
	if len(users) != 2 || users[0].ID != "a" || users[1].ID != "b" {
		t.Errorf("GetAllInto() = %+v, want [a b]", users)
	}
}

func TestReplaceAndClear(t *testing.T) {
	m := openMem(t,
		Migration{Name: "users", Up: func(m *Migrator) error {
			if err := m.CreateCollection("users"); err != nil {
				return err
			}
			return m.CreateCollection("users2")
		}},
	)
	ctx := context.Background()

	if err := m.PutMany(ctx, "users", map[string]any{"a": user{ID: "a"}, "b": user{ID: "b"}}); err != nil {
		t.Fatalf("PutMany() error = %v", err)
	}
	if err := m.Put(ctx, "users2", "c", user{ID: "c"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	err := m.Replace(ctx, "users", map[string]any{
		"b": user{ID: "b", Email: "b@example.com"},
		"d": user{ID: "d"},
	})
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	users, err := GetAllInto[user](ctx, m, "users")
	if err != nil {
		t.Fatalf("GetAllInto() error = %v", err)
	}
	if len(users) != 2 || users[0].ID != "b" || users[0].Email != "b@example.com" || users[1].ID != "d" {
		t.Errorf("after Replace() users = %+v, want [b d]", users)
	}

	if err := m.Clear(ctx, "users"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if records, _ := m.GetAll(ctx, "users"); len(records) != 0 {
		t.Errorf("after Clear() users has %d records", len(records))
	}
	if err := m.Get(ctx, "users2", "c", &user{}); err != nil {
		t.Errorf("Clear() touched another collection: %v", err)
	}
	if err := m.Clear(ctx, "missing"); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Clear(missing) error = %v, want ErrUnknownCollection", err)
	}
}

func TestMigratorRewriteAndDrop(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := Open(Config{Path: dir}, []Migration{{Name: "users", Up: createUsers}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = m.Put(ctx, "users", "keep", user{ID: "keep", Email: "x"})
	_ = m.Put(ctx, "users", "gone", user{ID: "gone"})
	_ = m.SetValue(ctx, "sessionToken", "tok")
	_ = m.Close()

	m, err = Open(Config{Path: dir}, []Migration{
		{Name: "users", Up: createUsers},
		{Name: "upper", Up: func(mg *Migrator) error {
			return mg.Rewrite("users", func(id string, v json.RawMessage) (json.RawMessage, error) {
				if id == "gone" {
					return nil, nil
				}
				return json.RawMessage(`{"id":"keep","email":"X"}`), nil
			})
		}},
		{Name: "drop", Up: func(mg *Migrator) error {
			if err := mg.CreateCollection("people"); err != nil {
				return err
			}
			return mg.DropCollection("nothing-here")
		}},
	})
	if err != nil {
		t.Fatalf("Open() with rewrite error = %v", err)
	}
	defer m.Close()

	all, err := m.GetAll(ctx, "users")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 1 || all[0].ID != "keep" {
		t.Fatalf("GetAll() = %v, want only keep", all)
	}
	if string(all[0].Value) != `{"id":"keep","email":"X"}` {
		t.Errorf("rewritten value = %s", all[0].Value)
	}

	if tok, ok, _ := m.GetValue(ctx, "sessionToken"); !ok || tok != "tok" {
		t.Errorf("GetValue() = %q, %v; want tok, true", tok, ok)
	}
}

func TestDropCollectionRemovesRecords(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := Open(Config{Path: dir}, []Migration{{Name: "users", Up: createUsers}})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = m.Put(ctx, "users", "u1", user{ID: "u1"})
	_ = m.Close()

	m, err = Open(Config{Path: dir}, []Migration{
		{Name: "users", Up: createUsers},
		{Name: "drop", Up: func(mg *Migrator) error { return mg.DropCollection("users") }},
		{Name: "recreate", Up: createUsers},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer m.Close()

	all, err := m.GetAll(ctx, "users")
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("GetAll() after drop = %d records, want 0", len(all))
	}
}

func TestInvalidCollectionName(t *testing.T) {
	_, err := Open(Config{InMemory: true}, []Migration{{Name: "bad", Up: func(m *Migrator) error {
		return m.CreateCollection("a/b")
	}}})
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("Open() error = %v, want ErrInvalidName", err)
	}
}

func TestValueKeySpace(t *testing.T) {
	m := openMem(t)
	ctx := context.Background()

	if _, ok, err := m.GetValue(ctx, "sessionToken"); err != nil || ok {
		t.Fatalf("GetValue(empty) = ok %v, err %v; want false, nil", ok, err)
	}
	if err := m.SetValue(ctx, "sessionToken", "abc"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	got, ok, err := m.GetValue(ctx, "sessionToken")
	if err != nil || !ok || got != "abc" {
		t.Errorf("GetValue() = %q, %v, %v; want abc, true, nil", got, ok, err)
	}
	if err := m.RemoveValue(ctx, "sessionToken"); err != nil {
		t.Fatalf("RemoveValue() error = %v", err)
	}
	if _, ok, _ := m.GetValue(ctx, "sessionToken"); ok {
		t.Error("GetValue() after remove reported found")
	}
}

func TestCanceledContext(t *testing.T) {
	m := openMem(t, Migration{Name: "users", Up: createUsers})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Put(ctx, "users", "u1", user{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Put() error = %v, want context.Canceled", err)
	}
}

func TestCollectGarbage(t *testing.T) {
	mem := openMem(t)
	if n, err := mem.CollectGarbage(0.5); err != nil || n != 0 {
		t.Errorf("in-memory CollectGarbage() = %d, %v; want 0, nil", n, err)
	}

	disk, err := Open(Config{Path: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer disk.Close()
	if _, err := disk.CollectGarbage(0.5); err != nil {
		t.Errorf("CollectGarbage() error = %v", err)
	}
}
