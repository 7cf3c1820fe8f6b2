package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.Backend = database.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "store.db")

	b, err := database.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	if err := b.Migrator.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(b, nil)
}

func TestChannelAllowList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LookupChannel(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.AllowChannel(ctx, "c1"); err != nil {
		t.Fatalf("AllowChannel: %v", err)
	}
	if err := s.AllowChannel(ctx, "c1"); err != nil {
		t.Fatalf("AllowChannel twice: %v", err)
	}

	entry, err := s.LookupChannel(ctx, "c1")
	if err != nil {
		t.Fatalf("LookupChannel: %v", err)
	}
	if entry.ChannelID != "c1" || entry.CreatedAt.IsZero() {
		t.Errorf("unexpected entry %+v", entry)
	}

	// Exact match only.
	if _, err := s.LookupChannel(ctx, "C1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected case-sensitive miss, got %v", err)
	}

	list, err := s.ListChannels(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListChannels = %v, %v", list, err)
	}

	if err := s.RevokeChannel(ctx, "c1"); err != nil {
		t.Fatalf("RevokeChannel: %v", err)
	}
	if err := s.RevokeChannel(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestPersona(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Persona(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetPersona(ctx, "You are a pirate."); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPersona(ctx, "You are a librarian."); err != nil {
		t.Fatal(err)
	}

	got, err := s.Persona(ctx)
	if err != nil {
		t.Fatalf("Persona: %v", err)
	}
	if got != "You are a librarian." {
		t.Errorf("Persona = %q", got)
	}
}

func TestHistoryAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 0; i < 6; i++ {
		err := s.AppendTurns(ctx, "c1",
			Turn{Role: RoleUser, Content: "q" + string(rune('0'+i))},
			Turn{Role: RoleModel, Content: "a" + string(rune('0'+i))},
		)
		if err != nil {
			t.Fatalf("AppendTurns: %v", err)
		}
	}
	if err := s.AppendTurns(ctx, "other", Turn{Role: RoleUser, Content: "elsewhere"}); err != nil {
		t.Fatal(err)
	}

	turns, err := s.RecentTurns(ctx, "c1", 4)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}

	want := []struct {
		role    Role
		content string
	}{
		{RoleModel, "a5"}, {RoleUser, "q5"}, {RoleModel, "a4"}, {RoleUser, "q4"},
	}
	if len(turns) != len(want) {
		t.Fatalf("got %d turns, want %d", len(turns), len(want))
	}
	for i, w := range want {
		if turns[i].Role != w.role || turns[i].Content != w.content || turns[i].ChannelID != "c1" {
			t.Errorf("turn %d = %+v, want %s/%s", i, turns[i], w.role, w.content)
		}
	}
	if !turns[0].CreatedAt.After(turns[1].CreatedAt) {
		t.Error("model turn must be strictly newer than its user turn")
	}
}

func TestAppendTurnsRejectsInvalidRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendTurns(ctx, "c1",
		Turn{Role: RoleUser, Content: "q"},
		Turn{Role: "assistant", Content: "a"},
	)
	if err == nil {
		t.Fatal("expected error")
	}

	turns, _ := s.RecentTurns(ctx, "c1", 10)
	if len(turns) != 0 {
		t.Errorf("expected nothing persisted, got %d turns", len(turns))
	}
}

func TestPurgeHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.AppendTurns(ctx, "c1", Turn{Role: RoleUser, Content: "q"}, Turn{Role: RoleModel, Content: "a"})
	_ = s.AppendTurns(ctx, "c2", Turn{Role: RoleUser, Content: "q"})

	n, err := s.PurgeHistory(ctx, "c1")
	if err != nil {
		t.Fatalf("PurgeHistory: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if turns, _ := s.RecentTurns(ctx, "c2", 10); len(turns) != 1 {
		t.Errorf("other channel affected: %d turns", len(turns))
	}
}

func TestPruneHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := day
	s.now = func() time.Time { return current }

	_ = s.AppendTurns(ctx, "c1", Turn{Role: RoleUser, Content: "old"})
	current = day.Add(48 * time.Hour)
	_ = s.AppendTurns(ctx, "c1", Turn{Role: RoleUser, Content: "new"})

	n, err := s.PruneHistory(ctx, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	turns, _ := s.RecentTurns(ctx, "c1", 10)
	if len(turns) != 1 || turns[0].Content != "new" {
		t.Errorf("remaining = %+v", turns)
	}
}

func TestSearchChunksInProcess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(content string, v []float32) int64 {
		id, err := s.AddChunk(ctx, content, v)
		if err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
		return id
	}

	add("exact", []float32{1, 0, 0})
	add("close", []float32{0.9, 0.1, 0})
	add("tie-a", []float32{0.7, 0.7, 0})
	add("tie-b", []float32{0.7, 0.7, 0})
	add("orthogonal", []float32{0, 0, 1})

	query := []float32{1, 0, 0}

	got, err := s.SearchChunks(ctx, query, 3, 0.5)
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	wantOrder := []string{"exact", "close", "tie-a"}
	if len(got) != len(wantOrder) {
		t.Fatalf("got %d chunks, want %d", len(got), len(wantOrder))
	}
	for i, w := range wantOrder {
		if got[i].Content != w {
			t.Errorf("chunk %d = %q, want %q", i, got[i].Content, w)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Error("results not ranked by similarity")
		}
	}

	got, err = s.SearchChunks(ctx, []float32{0, 1, 0}, 3, 0.99)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no chunk above threshold, got %v", got)
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 50, time.UTC))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
	if !parseTime(a).Equal(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)) {
		t.Errorf("round trip failed for %q", a)
	}
}

func TestTimestampScan(t *testing.T) {
	want := time.Date(2026, 3, 4, 5, 6, 7, 8000, time.UTC)
	tests := []struct {
		name    string
		src     any
		want    time.Time
		wantErr bool
	}{
		{name: "timestamptz", src: want.In(time.FixedZone("BRT", -3*3600)), want: want},
		{name: "text", src: formatTime(want), want: want},
		{name: "bytes", src: []byte(formatTime(want)), want: want},
		{name: "rfc3339", src: want.Format(time.RFC3339Nano), want: want},
		{name: "null", src: nil, want: time.Time{}},
		{name: "unsupported", src: int64(42), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts timestamp
			err := ts.Scan(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan error = %v, wantErr %v", err, tt.wantErr)
			}
			if !ts.Time.Equal(tt.want) {
				t.Errorf("Scan = %v, want %v", ts.Time, tt.want)
			}
			if !tt.wantErr && ts.Time.Location() != time.UTC {
				t.Errorf("location = %v, want UTC", ts.Time.Location())
			}
		})
	}
}

func TestTimeArgPerBackend(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("BRT", -3*3600))
	tests := []struct {
		backend database.BackendType
		want    any
	}{
		{backend: database.BackendPostgreSQL, want: at.UTC()},
		{backend: database.BackendSQLite, want: formatTime(at)},
	}
	for _, tt := range tests {
		t.Run(string(tt.backend), func(t *testing.T) {
			s := &Store{backend: tt.backend}
			got := s.timeArg(at)
			switch want := tt.want.(type) {
			case time.Time:
				tm, ok := got.(time.Time)
				if !ok || !tm.Equal(want) || tm.Location() != time.UTC {
					t.Errorf("timeArg = %#v, want UTC time %v", got, want)
				}
			case string:
				if got != want {
					t.Errorf("timeArg = %#v, want %q", got, want)
				}
			}
		})
	}
}
