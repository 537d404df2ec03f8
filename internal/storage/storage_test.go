package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "boxrelay/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(hash, locator string) DeliveryRecord {
	return DeliveryRecord{
		LinkHash:        hash,
		OriginalLink:    "https://x/s/" + hash,
		DeliveryLocator: locator,
		ArtifactID:      "file-" + locator,
		SizeBytes:       1024,
	}
}

var drivers = []string{"sqlite", "file"}

func TestFindAndInsert(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			if _, ok, err := st.FindByHash(ctx, "h1"); err != nil || ok {
				t.Fatalf("expected miss, ok=%v err=%v", ok, err)
			}
			if err := st.Insert(ctx, rec("h1", "101")); err != nil {
				t.Fatalf("insert: %v", err)
			}
			got, ok, err := st.FindByHash(ctx, "h1")
			if err != nil || !ok {
				t.Fatalf("expected hit, ok=%v err=%v", ok, err)
			}
			if got.DeliveryLocator != "101" || got.SizeBytes != 1024 || got.CreatedAt.IsZero() {
				t.Fatalf("record=%+v", got)
			}
			if err := st.Insert(ctx, rec("h1", "202")); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("second insert err=%v", err)
			}
			got, _, _ = st.FindByHash(ctx, "h1")
			if got.DeliveryLocator != "101" {
				t.Fatalf("record was overwritten: %+v", got)
			}
		})
	}
}

func TestSaveConcurrentSameHash(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)

			const writers = 8
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				inserted int
			)
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					won, err := Save(ctx, st, rec("same", string(rune('a'+i))))
					if err != nil {
						errs <- err
						return
					}
					if won {
						mu.Lock()
						inserted++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("save returned error: %v", err)
			}
			if inserted != 1 {
				t.Fatalf("expected exactly one winning insert, got %d", inserted)
			}
			if n, _ := st.Count(ctx); n != 1 {
				t.Fatalf("count=%d", n)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver)
			if _, err := Save(ctx, st, rec("h", "1")); err != nil {
				t.Fatalf("save: %v", err)
			}
			if ok, err := st.Delete(ctx, "h"); err != nil || !ok {
				t.Fatalf("delete ok=%v err=%v", ok, err)
			}
			if ok, _ := st.Delete(ctx, "h"); ok {
				t.Fatalf("second delete reported a removal")
			}
			if _, err := Save(ctx, st, rec("h", "2")); err != nil {
				t.Fatalf("re-save after delete: %v", err)
			}
		})
	}
}

func TestInsertRejectsIncompleteRecord(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, "sqlite")
	if err := st.Insert(context.Background(), DeliveryRecord{LinkHash: "h"}); err == nil {
		t.Fatalf("expected error for missing locator")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := rec("keep", "9")
	r.CreatedAt = created
	if err := st.Insert(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.Insert(ctx, rec("gone", "8")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, ok, _ := st2.FindByHash(ctx, "keep")
	if !ok || !got.CreatedAt.Equal(created) {
		t.Fatalf("record lost across reopen: %+v ok=%v", got, ok)
	}
	if _, ok, _ := st2.FindByHash(ctx, "gone"); ok {
		t.Fatalf("deleted record resurrected")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
