package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"idset/idset"
)

const manifestName = "manifest.json"

var (
	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrInvalidName        = errors.New("invalid collection name")

	collectionName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,63}$`)
)

// DBManifest tracks the database id plus a map of collection names to their
// subdirectory.
type DBManifest struct {
	DBID        string            `json:"db_id"`
	Collections map[string]string `json:"collections"`
}

// Database is a directory of named id sets described by manifest.json.
// Collections are opened on first use and stay open until Close.
type Database struct {
	dir         string
	opts        idset.Options
	manifest    DBManifest
	collections map[string]*Collection
	lock        sync.RWMutex
}

// NewID returns a fresh database id of the form db_<8 hex digits>.
func NewID() (string, error) {
	dbUUID, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate uuid")
	}
	return fmt.Sprintf("db_%s", strings.Split(dbUUID.String(), "-")[0]), nil
}

// NewDatabase creates the database at dbPath, or opens it if a manifest is
// already there.
func NewDatabase(dbPath, dbID string, opts idset.Options) (*Database, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create db directory")
	}

	db := &Database{
		dir:  dbPath,
		opts: opts,
		manifest: DBManifest{
			DBID:        dbID,
			Collections: make(map[string]string),
		},
		collections: make(map[string]*Collection),
	}

	if _, err := os.Stat(db.manifestPath()); err == nil {
		if _, err := db.LoadManifest(); err != nil {
			return nil, errors.Wrap(err, "failed to load manifest")
		}
	} else if err := db.SaveManifest(); err != nil {
		return nil, errors.Wrap(err, "failed to create new manifest")
	}
	return db, nil
}

// LoadDatabase opens an existing database. Collections are opened lazily.
func LoadDatabase(dbPath string, opts idset.Options) (*Database, error) {
	db := &Database{
		dir:         dbPath,
		opts:        opts,
		collections: make(map[string]*Collection),
	}
	if _, err := db.LoadManifest(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *Database) ID() string {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return db.manifest.DBID
}

func (db *Database) manifestPath() string {
	return filepath.Join(db.dir, manifestName)
}

func (db *Database) setPath(subDir string) string {
	return filepath.Join(db.dir, subDir, "ids.db")
}

func (db *Database) logger() *zap.Logger {
	if db.opts.Logger == nil {
		return zap.NewNop()
	}
	return db.opts.Logger
}

// CreateCollection creates and opens an empty id set called name.
func (db *Database) CreateCollection(name string) (*Collection, error) {
	if !collectionName.MatchString(name) || strings.HasPrefix(name, manifestName) {
		return nil, errors.Wrapf(ErrInvalidName, "%q", name)
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	if _, exists := db.manifest.Collections[name]; exists {
		return nil, errors.Wrapf(ErrCollectionExists, "%q", name)
	}

	// Files not named by the manifest are left over from a create or drop
	// that never reached it.
	dir := filepath.Join(db.dir, name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(err, "failed to clear stale files of collection %q", name)
	}

	coll, err := db.openLocked(name, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create collection %q", name)
	}

	db.manifest.Collections[name] = name
	if err := db.SaveManifest(); err != nil {
		delete(db.manifest.Collections, name)
		delete(db.collections, name)
		err = errors.Wrap(err, "failed to save manifest after creating collection")
		err = multierr.Combine(err, coll.set.Close(), os.RemoveAll(dir))
		return nil, err
	}
	db.logger().Info("collection created",
		zap.String("db", db.manifest.DBID), zap.String("collection", name))
	return coll, nil
}

// GetCollection returns the open collection called name, opening it first
// if needed.
func (db *Database) GetCollection(name string) (*Collection, error) {
	db.lock.RLock()
	coll, ok := db.collections[name]
	db.lock.RUnlock()
	if ok {
		return coll, nil
	}

	db.lock.Lock()
	defer db.lock.Unlock()
	if coll, ok := db.collections[name]; ok {
		return coll, nil
	}
	subDir, exists := db.manifest.Collections[name]
	if !exists {
		return nil, errors.Wrapf(ErrCollectionNotFound, "%q", name)
	}
	coll, err := db.openLocked(name, subDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open collection %q", name)
	}
	return coll, nil
}

func (db *Database) openLocked(name, subDir string) (*Collection, error) {
	opts := db.opts
	opts.Logger = db.logger().With(zap.String("collection", name))
	set, err := idset.Open(db.setPath(subDir), opts)
	if err != nil {
		return nil, err
	}
	coll := &Collection{name: name, set: set}
	db.collections[name] = coll
	return coll, nil
}

// GetAllCollections returns the collection names in sorted order.
func (db *Database) GetAllCollections() []string {
	db.lock.RLock()
	defer db.lock.RUnlock()

	names := make([]string, 0, len(db.manifest.Collections))
	for name := range db.manifest.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropCollection closes the collection and removes its files.
func (db *Database) DropCollection(name string) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	subDir, exists := db.manifest.Collections[name]
	if !exists {
		return errors.Wrapf(ErrCollectionNotFound, "%q", name)
	}
	delete(db.manifest.Collections, name)
	if err := db.SaveManifest(); err != nil {
		db.manifest.Collections[name] = subDir
		return errors.Wrapf(err, "failed to drop collection %q", name)
	}

	// The manifest no longer names the collection, so its files go even if
	// the close fails.
	var err error
	if coll, ok := db.collections[name]; ok {
		delete(db.collections, name)
		if cerr := coll.set.Close(); cerr != nil {
			err = errors.Wrapf(cerr, "failed to close collection %q", name)
		}
	}
	if rerr := os.RemoveAll(filepath.Join(db.dir, subDir)); rerr != nil {
		err = multierr.Append(err, errors.Wrapf(rerr, "failed to remove collection %q", name))
	}
	return err
}

// SaveManifest writes the manifest next to a temporary copy and renames it
// into place.
func (db *Database) SaveManifest() error {
	data, err := json.MarshalIndent(db.manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal manifest")
	}
	tmp := db.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write manifest")
	}
	if err := os.Rename(tmp, db.manifestPath()); err != nil {
		return errors.Wrap(err, "failed to install manifest")
	}
	return nil
}

func (db *Database) LoadManifest() (DBManifest, error) {
	data, err := os.ReadFile(db.manifestPath())
	if err != nil {
		return DBManifest{}, errors.Wrap(err, "failed to read manifest file")
	}
	var m DBManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return DBManifest{}, errors.Wrap(err, "failed to unmarshal manifest")
	}
	if m.Collections == nil {
		m.Collections = make(map[string]string)
	}
	db.manifest = m
	return m, nil
}

// Close closes every open collection. It keeps going after a failure and
// returns all the errors it met.
func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	var err error
	for name, coll := range db.collections {
		if cerr := coll.set.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(cerr, "failed closing collection %q", name))
		}
	}
	db.collections = make(map[string]*Collection)
	return err
}

// ListDatabases returns the ids of the databases under root.
func ListDatabases(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		// A missing root just means no databases yet.
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "failed to list databases")
	}

	dbIDs := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), manifestName)); err == nil {
			dbIDs = append(dbIDs, e.Name())
		}
	}
	return dbIDs, nil
}
