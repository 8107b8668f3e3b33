package database_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"idset/btree"
	"idset/database"
	"idset/idset"
)

func testOptions() idset.Options {
	opts := idset.DefaultOptions()
	opts.NoSync = true
	return opts
}

func newTestDatabase(t *testing.T) (*database.Database, string) {
	t.Helper()
	dbID, err := database.NewID()
	if err != nil {
		t.Fatalf("Failed to generate database id: %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), dbID)
	db, err := database.NewDatabase(dbPath, dbID, testOptions())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	return db, dbPath
}

// TestBenchmarkOperations times insert, lookup, scan and delete on one
// collection.
func TestBenchmarkOperations(t *testing.T) {
	db, _ := newTestDatabase(t)
	defer db.Close()

	collection, err := db.CreateCollection("benchmark")
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}

	count := 5000
	benchmarkInsert(t, collection, count)
	benchmarkContains(t, collection, count)
	benchmarkScan(t, collection, count)
	benchmarkDelete(t, collection, count)
}

func benchmarkInsert(t *testing.T, collection *database.Collection, count int) {
	t.Logf("Running Insert benchmark with %d operations", count)
	ctx := context.Background()

	start := time.Now()
	for _, i := range rand.Perm(count) {
		inserted, err := collection.Insert(ctx, btree.IdFromUint64(uint64(i)))
		if err != nil {
			t.Fatalf("Insert %d failed: %v", i, err)
		}
		if !inserted {
			t.Errorf("Insert %d reported an existing id", i)
		}
	}
	duration := time.Since(start)

	if got := collection.Len(); got != uint64(count) {
		t.Errorf("Len after insert: got %d, expected %d", got, count)
	}

	avgTime := float64(duration.Microseconds()) / float64(count)
	t.Logf("Insert benchmark completed: %d operations in %v (avg %.2f µs per operation)",
		count, duration, avgTime)
}

func benchmarkContains(t *testing.T, collection *database.Collection, count int) {
	t.Logf("Running Contains benchmark with %d operations", count)

	start := time.Now()
	found := 0
	for _, i := range rand.Perm(count) {
		ok, err := collection.Contains(btree.IdFromUint64(uint64(i)))
		if err != nil {
			t.Fatalf("Contains %d failed: %v", i, err)
		}
		if ok {
			found++
		}
	}
	duration := time.Since(start)

	if found != count {
		t.Errorf("Contains success rate: %d/%d", found, count)
	}
	ok, err := collection.Contains(btree.IdFromUint64(uint64(count)))
	if err != nil || ok {
		t.Errorf("Contains for a missing id: got %v, %v", ok, err)
	}

	avgTime := float64(duration.Microseconds()) / float64(count)
	t.Logf("Contains benchmark completed: %d operations in %v (avg %.2f µs per operation)",
		count, duration, avgTime)
}

func benchmarkScan(t *testing.T, collection *database.Collection, count int) {
	t.Logf("Running Scan benchmark over %d ids", count)

	start := time.Now()
	var cursor *btree.Id
	seen := 0
	for {
		page, err := collection.Scan(cursor, 100)
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, id := range page {
			if id != btree.IdFromUint64(uint64(seen)) {
				t.Fatalf("Scan out of order: got %v at position %d", id.Big(), seen)
			}
			seen++
		}
		last := page[len(page)-1]
		cursor = &last
	}
	duration := time.Since(start)

	if seen != count {
		t.Errorf("Scan returned %d ids, expected %d", seen, count)
	}
	t.Logf("Scan benchmark completed in %v", duration)
}

func benchmarkDelete(t *testing.T, collection *database.Collection, count int) {
	t.Logf("Running Delete benchmark with %d operations", count)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < count; i++ {
		deleted, err := collection.Delete(ctx, btree.IdFromUint64(uint64(i)))
		if err != nil {
			t.Fatalf("Delete %d failed: %v", i, err)
		}
		if !deleted {
			t.Errorf("Delete %d reported a missing id", i)
		}
	}
	duration := time.Since(start)

	if got := collection.Len(); got != 0 {
		t.Errorf("Len after delete: got %d, expected 0", got)
	}
	page, err := collection.Scan(nil, 0)
	if err != nil {
		t.Fatalf("Scan after delete failed: %v", err)
	}
	if page == nil || len(page) != 0 {
		t.Errorf("Scan after delete: got %v, expected an empty slice", page)
	}

	avgTime := float64(duration.Microseconds()) / float64(count)
	t.Logf("Delete benchmark completed: %d operations in %v (avg %.2f µs per operation)",
		count, duration, avgTime)
}

func TestReopenDatabase(t *testing.T) {
	db, dbPath := newTestDatabase(t)
	ctx := context.Background()

	for _, name := range []string{"users", "groups"} {
		coll, err := db.CreateCollection(name)
		if err != nil {
			t.Fatalf("Failed to create collection %s: %v", name, err)
		}
		for i := 0; i < 300; i++ {
			if _, err := coll.Insert(ctx, btree.IdFromUint64(uint64(i))); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := database.LoadDatabase(dbPath, testOptions())
	if err != nil {
		t.Fatalf("Failed to load database: %v", err)
	}
	defer reopened.Close()

	if reopened.ID() != db.ID() {
		t.Errorf("ID after reload: got %s, expected %s", reopened.ID(), db.ID())
	}
	names := reopened.GetAllCollections()
	if len(names) != 2 || names[0] != "groups" || names[1] != "users" {
		t.Errorf("Collections after reload: got %v", names)
	}

	users, err := reopened.GetCollection("users")
	if err != nil {
		t.Fatalf("GetCollection failed: %v", err)
	}
	if users.Len() != 300 {
		t.Errorf("Len after reload: got %d, expected 300", users.Len())
	}
	ok, err := users.Contains(btree.IdFromUint64(299))
	if err != nil || !ok {
		t.Errorf("Contains after reload: got %v, %v", ok, err)
	}
}

func TestCollectionErrors(t *testing.T) {
	db, _ := newTestDatabase(t)
	defer db.Close()

	if _, err := db.CreateCollection("items"); err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	if _, err := db.CreateCollection("items"); !errors.Is(err, database.ErrCollectionExists) {
		t.Errorf("Duplicate create: got %v, expected ErrCollectionExists", err)
	}
	if _, err := db.CreateCollection("../escape"); err == nil {
		t.Errorf("Expected an invalid name to be rejected")
	}
	if _, err := db.GetCollection("missing"); !errors.Is(err, database.ErrCollectionNotFound) {
		t.Errorf("GetCollection: got %v, expected ErrCollectionNotFound", err)
	}
	if err := db.DropCollection("missing"); !errors.Is(err, database.ErrCollectionNotFound) {
		t.Errorf("DropCollection: got %v, expected ErrCollectionNotFound", err)
	}
}

func TestDropCollection(t *testing.T) {
	db, _ := newTestDatabase(t)
	defer db.Close()
	ctx := context.Background()

	coll, err := db.CreateCollection("temp")
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	if _, err := coll.Insert(ctx, btree.IdFromUint64(7)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := db.DropCollection("temp"); err != nil {
		t.Fatalf("DropCollection failed: %v", err)
	}
	if names := db.GetAllCollections(); len(names) != 0 {
		t.Errorf("Collections after drop: got %v", names)
	}

	// The name is free again and starts empty.
	coll, err = db.CreateCollection("temp")
	if err != nil {
		t.Fatalf("Recreate failed: %v", err)
	}
	if coll.Len() != 0 {
		t.Errorf("Recreated collection has %d ids", coll.Len())
	}
}

// blockManifest makes the next manifest write fail until the returned func
// is called.
func blockManifest(t *testing.T, dbPath string) func() {
	t.Helper()
	tmp := filepath.Join(dbPath, "manifest.json.tmp")
	if err := os.Mkdir(tmp, 0755); err != nil {
		t.Fatalf("Failed to block manifest: %v", err)
	}
	return func() {
		if err := os.Remove(tmp); err != nil {
			t.Fatalf("Failed to unblock manifest: %v", err)
		}
	}
}

func TestCreateCollectionManifestFailure(t *testing.T) {
	db, dbPath := newTestDatabase(t)
	defer db.Close()

	unblock := blockManifest(t, dbPath)
	if _, err := db.CreateCollection("users"); err == nil {
		t.Fatalf("Expected create to fail while the manifest cannot be written")
	}
	if names := db.GetAllCollections(); len(names) != 0 {
		t.Errorf("Collections after failed create: got %v", names)
	}
	if _, err := db.GetCollection("users"); !errors.Is(err, database.ErrCollectionNotFound) {
		t.Errorf("GetCollection after failed create: got %v, expected ErrCollectionNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(dbPath, "users")); !os.IsNotExist(err) {
		t.Errorf("Collection files left behind: %v", err)
	}

	unblock()
	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if coll.Len() != 0 {
		t.Errorf("Retried collection has %d ids", coll.Len())
	}
}

func TestDropCollectionManifestFailure(t *testing.T) {
	db, dbPath := newTestDatabase(t)
	defer db.Close()
	ctx := context.Background()

	coll, err := db.CreateCollection("temp")
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	if _, err := coll.Insert(ctx, btree.IdFromUint64(7)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	unblock := blockManifest(t, dbPath)
	if err := db.DropCollection("temp"); err == nil {
		t.Fatalf("Expected drop to fail while the manifest cannot be written")
	}
	if names := db.GetAllCollections(); len(names) != 1 || names[0] != "temp" {
		t.Errorf("Collections after failed drop: got %v", names)
	}
	coll, err = db.GetCollection("temp")
	if err != nil {
		t.Fatalf("GetCollection after failed drop: %v", err)
	}
	found, err := coll.Contains(btree.IdFromUint64(7))
	if err != nil || !found {
		t.Errorf("Contains after failed drop: got %v, %v", found, err)
	}
	if _, err := coll.Insert(ctx, btree.IdFromUint64(8)); err != nil {
		t.Errorf("Insert after failed drop: %v", err)
	}

	unblock()
	if err := db.DropCollection("temp"); err != nil {
		t.Fatalf("DropCollection failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dbPath, "temp")); !os.IsNotExist(err) {
		t.Errorf("Collection files left behind: %v", err)
	}
}

func TestCreateCollectionClearsStaleFiles(t *testing.T) {
	db, dbPath := newTestDatabase(t)
	defer db.Close()

	stale := filepath.Join(dbPath, "ghost")
	if err := os.MkdirAll(stale, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stale, "ids.db"), []byte("not a page file"), 0644); err != nil {
		t.Fatal(err)
	}

	coll, err := db.CreateCollection("ghost")
	if err != nil {
		t.Fatalf("Create over stale files failed: %v", err)
	}
	if coll.Len() != 0 {
		t.Errorf("New collection has %d ids", coll.Len())
	}
	if _, err := db.CreateCollection("manifest.json"); !errors.Is(err, database.ErrInvalidName) {
		t.Errorf("Create manifest.json: got %v, expected ErrInvalidName", err)
	}
}

func TestListDatabases(t *testing.T) {
	root := t.TempDir()

	ids, err := database.ListDatabases(filepath.Join(root, "missing"))
	if err != nil || len(ids) != 0 {
		t.Fatalf("ListDatabases on a missing root: got %v, %v", ids, err)
	}

	for _, id := range []string{"db_a", "db_b"} {
		db, err := database.NewDatabase(filepath.Join(root, id), id, testOptions())
		if err != nil {
			t.Fatalf("Failed to create database %s: %v", id, err)
		}
		db.Close()
	}

	ids, err = database.ListDatabases(root)
	if err != nil {
		t.Fatalf("ListDatabases failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "db_a" || ids[1] != "db_b" {
		t.Errorf("ListDatabases: got %v", ids)
	}
}
