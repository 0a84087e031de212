package search

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fulib/feedback/internal/store"
)

func fixedEngine(idx store.FileIndex) *Engine {
	e := NewEngine(idx)
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return e
}

func currentSettings(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(CodeAnalyzer().Settings())
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestEngine_Migrate_Current(t *testing.T) {
	settings := currentSettings(t)
	idx := &MockFileIndex{
		IndexAliasFunc: func(ctx context.Context, alias string) (store.IndexInfo, bool, error) {
			return store.IndexInfo{Name: "files_1", Settings: settings}, true, nil
		},
		CreateFileIndexFunc: func(ctx context.Context, name string) error {
			t.Error("CreateFileIndex should not be called when the index is current")
			return nil
		},
		DropIndexFunc: func(ctx context.Context, name string) error {
			t.Errorf("DropIndex should not be called, got %s", name)
			return nil
		},
	}

	state, err := fixedEngine(idx).Migrate(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if state != StateCurrent {
		t.Errorf("Expected state current, got %s", state)
	}
}

func TestEngine_Migrate_FreshInstall(t *testing.T) {
	var created, dropped []string
	var swapOld, swapNew string
	idx := &MockFileIndex{
		IndexAliasFunc: func(ctx context.Context, alias string) (store.IndexInfo, bool, error) {
			return store.IndexInfo{}, false, nil
		},
		ListIndicesFunc: func(ctx context.Context, alias string) ([]string, error) {
			return []string{"files_5"}, nil
		},
		CreateFileIndexFunc: func(ctx context.Context, name string) error {
			created = append(created, name)
			return nil
		},
		DropIndexFunc: func(ctx context.Context, name string) error {
			dropped = append(dropped, name)
			return nil
		},
		ReindexFunc: func(ctx context.Context, src, dst string, analyze func(string) string) (int64, error) {
			t.Error("Reindex should not be called on a fresh install")
			return 0, nil
		},
		SwapAliasFunc: func(ctx context.Context, alias string, settings []byte, oldIndex, newIndex string) error {
			if alias != Alias {
				t.Errorf("Expected alias %s, got %s", Alias, alias)
			}
			if !SettingsMatch(settings, CodeAnalyzer().Settings()) {
				t.Errorf("Unexpected settings %s", settings)
			}
			swapOld, swapNew = oldIndex, newIndex
			return nil
		},
	}

	state, err := fixedEngine(idx).Migrate(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if state != StateSwapped {
		t.Errorf("Expected state swapped, got %s", state)
	}
	if !reflect.DeepEqual(created, []string{"files_1700000000000"}) {
		t.Errorf("Unexpected created indices %v", created)
	}
	if !reflect.DeepEqual(dropped, []string{"files_5"}) {
		t.Errorf("Expected orphan files_5 to be dropped, got %v", dropped)
	}
	if swapOld != "" || swapNew != "files_1700000000000" {
		t.Errorf("Unexpected swap %q -> %q", swapOld, swapNew)
	}
}

func TestEngine_Migrate_SettingsChanged(t *testing.T) {
	var dropped []string
	var reindexed bool
	var swapOld, swapNew string
	idx := &MockFileIndex{
		IndexAliasFunc: func(ctx context.Context, alias string) (store.IndexInfo, bool, error) {
			return store.IndexInfo{Name: "files_1", Settings: []byte(`{"analysis":{}}`)}, true, nil
		},
		ListIndicesFunc: func(ctx context.Context, alias string) ([]string, error) {
			return []string{"files_1", "files_9"}, nil
		},
		DropIndexFunc: func(ctx context.Context, name string) error {
			dropped = append(dropped, name)
			return nil
		},
		ReindexFunc: func(ctx context.Context, src, dst string, analyze func(string) string) (int64, error) {
			if src != "files_1" || dst != "files_1700000000000" {
				t.Errorf("Unexpected reindex %s -> %s", src, dst)
			}
			if got := analyze("a+b"); got != "\x1fa\x1f+\x1fb\x1f" {
				t.Errorf("Unexpected analyzed terms %q", got)
			}
			reindexed = true
			return 42, nil
		},
		SwapAliasFunc: func(ctx context.Context, alias string, settings []byte, oldIndex, newIndex string) error {
			swapOld, swapNew = oldIndex, newIndex
			return nil
		},
	}

	state, err := fixedEngine(idx).Migrate(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if state != StateSwapped {
		t.Errorf("Expected state swapped, got %s", state)
	}
	if !reindexed {
		t.Error("Expected documents to be reindexed")
	}
	if !reflect.DeepEqual(dropped, []string{"files_9"}) {
		t.Errorf("Only the orphan should be dropped before the swap, got %v", dropped)
	}
	if swapOld != "files_1" || swapNew != "files_1700000000000" {
		t.Errorf("Unexpected swap %q -> %q", swapOld, swapNew)
	}
}

func TestEngine_Migrate_Failures(t *testing.T) {
	reindexErr := errors.New("reindex failed")

	tests := []struct {
		name      string
		reindex   error
		swap      error
		wantErr   error
		wantSwap  bool
		wantState MigrationState
	}{
		{name: "reindex fails", reindex: reindexErr, wantErr: reindexErr, wantState: StateMigrating},
		{name: "alias moved", swap: store.ErrAliasMoved, wantErr: store.ErrAliasMoved, wantSwap: true, wantState: StateMigrating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dropped []string
			var swapped bool
			idx := &MockFileIndex{
				IndexAliasFunc: func(ctx context.Context, alias string) (store.IndexInfo, bool, error) {
					return store.IndexInfo{Name: "files_1", Settings: []byte(`{}`)}, true, nil
				},
				DropIndexFunc: func(ctx context.Context, name string) error {
					dropped = append(dropped, name)
					return nil
				},
				ReindexFunc: func(ctx context.Context, src, dst string, analyze func(string) string) (int64, error) {
					return 0, tt.reindex
				},
				SwapAliasFunc: func(ctx context.Context, alias string, settings []byte, oldIndex, newIndex string) error {
					swapped = true
					return tt.swap
				},
			}

			state, err := fixedEngine(idx).Migrate(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
			if state != tt.wantState {
				t.Errorf("Expected state %s, got %s", tt.wantState, state)
			}
			if swapped != tt.wantSwap {
				t.Errorf("Expected swap called=%v, got %v", tt.wantSwap, swapped)
			}
			if !reflect.DeepEqual(dropped, []string{"files_1700000000000"}) {
				t.Errorf("Expected the new index to be abandoned, got %v", dropped)
			}
		})
	}
}
