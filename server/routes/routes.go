package routes

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"idset/btree"
	"idset/database"
	"idset/idset"
)

var (
	errDatabaseNotFound = errors.New("database not found")
	errInvalidDatabase  = errors.New("invalid database id")

	dbIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Registry keeps every database the server has touched open until Close.
type Registry struct {
	root   string
	opts   idset.Options
	logger *zap.Logger

	mu      sync.Mutex
	openDBs map[string]*database.Database
}

func NewRegistry(root string, opts idset.Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		root:    root,
		opts:    opts,
		logger:  logger,
		openDBs: make(map[string]*database.Database),
	}
}

func (r *Registry) basePath(dbID string) string {
	return filepath.Join(r.root, dbID)
}

// Get returns the open database dbID, loading it from disk on first use.
func (r *Registry) Get(dbID string) (*database.Database, error) {
	if !dbIDPattern.MatchString(dbID) {
		return nil, errors.Wrapf(errInvalidDatabase, "%q", dbID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.openDBs[dbID]; ok {
		return db, nil
	}
	db, err := database.LoadDatabase(r.basePath(dbID), r.opts)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(errDatabaseNotFound, "%q", dbID)
		}
		return nil, err
	}
	r.openDBs[dbID] = db
	return db, nil
}

// Create makes a database with a fresh id and keeps it open.
func (r *Registry) Create() (string, error) {
	dbID, err := database.NewID()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	db, err := database.NewDatabase(r.basePath(dbID), dbID, r.opts)
	if err != nil {
		return "", err
	}
	r.openDBs[dbID] = db
	r.logger.Info("database created", zap.String("db", dbID))
	return dbID, nil
}

func (r *Registry) List() ([]string, error) {
	return database.ListDatabases(r.root)
}

func (r *Registry) collection(dbID, name string) (*database.Collection, error) {
	db, err := r.Get(dbID)
	if err != nil {
		return nil, err
	}
	return db.GetCollection(name)
}

// Close closes every open database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for id, db := range r.openDBs {
		if cerr := db.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(cerr, "failed closing database %s", id))
		}
	}
	r.openDBs = make(map[string]*database.Database)
	return err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidDatabase), errors.Is(err, database.ErrInvalidName):
		return fiber.StatusBadRequest
	case errors.Is(err, errDatabaseNotFound), errors.Is(err, database.ErrCollectionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, database.ErrCollectionExists):
		return fiber.StatusConflict
	case errors.Is(err, idset.ErrBroken), errors.Is(err, idset.ErrClosed):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

type idRequest struct {
	DBID       string `json:"dbID"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func SetupRoutes(router fiber.Router, reg *Registry) {
	router.Get("/databases", func(c *fiber.Ctx) error {
		dbs, err := reg.List()
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"databases": dbs})
	})

	router.Post("/create-db", func(c *fiber.Ctx) error {
		dbID, err := reg.Create()
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "created", "dbID": dbID})
	})

	router.Get("/collections", func(c *fiber.Ctx) error {
		dbID := c.Query("dbID")
		if dbID == "" {
			return badRequest(c, "dbID required")
		}
		db, err := reg.Get(dbID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"collections": db.GetAllCollections()})
	})

	router.Post("/create-collection", func(c *fiber.Ctx) error {
		var body struct {
			DBID string `json:"dbID"`
			Name string `json:"name"`
		}
		if err := c.BodyParser(&body); err != nil || body.DBID == "" || body.Name == "" {
			return badRequest(c, "dbID and name required")
		}
		db, err := reg.Get(body.DBID)
		if err != nil {
			return fail(c, err)
		}
		if _, err := db.CreateCollection(body.Name); err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "collection created"})
	})

	router.Delete("/collection", func(c *fiber.Ctx) error {
		dbID, name := c.Query("dbID"), c.Query("collection")
		if dbID == "" || name == "" {
			return badRequest(c, "missing query params")
		}
		db, err := reg.Get(dbID)
		if err != nil {
			return fail(c, err)
		}
		if err := db.DropCollection(name); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"status": "collection dropped"})
	})

	router.Post("/insert", func(c *fiber.Ctx) error {
		var body idRequest
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid json")
		}
		id, err := btree.ParseId(body.ID)
		if err != nil {
			return badRequest(c, err.Error())
		}
		coll, err := reg.collection(body.DBID, body.Collection)
		if err != nil {
			return fail(c, err)
		}
		inserted, err := coll.Insert(c.UserContext(), id)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"inserted": inserted})
	})

	router.Delete("/delete", func(c *fiber.Ctx) error {
		dbID, colName := c.Query("dbID"), c.Query("collection")
		id, err := btree.ParseId(c.Query("id"))
		if err != nil {
			return badRequest(c, err.Error())
		}
		coll, err := reg.collection(dbID, colName)
		if err != nil {
			return fail(c, err)
		}
		deleted, err := coll.Delete(c.UserContext(), id)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"deleted": deleted})
	})

	router.Get("/contains", func(c *fiber.Ctx) error {
		id, err := btree.ParseId(c.Query("id"))
		if err != nil {
			return badRequest(c, err.Error())
		}
		coll, err := reg.collection(c.Query("dbID"), c.Query("collection"))
		if err != nil {
			return fail(c, err)
		}
		found, err := coll.Contains(id)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"contains": found})
	})

	// scan pages through a collection; pass the returned "next" back as
	// "after" to continue.
	router.Get("/scan", func(c *fiber.Ctx) error {
		var start *btree.Id
		if after := c.Query("after"); after != "" {
			id, err := btree.ParseId(after)
			if err != nil {
				return badRequest(c, err.Error())
			}
			start = &id
		}
		limit, err := strconv.Atoi(c.Query("limit", "100"))
		if err != nil || limit <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		coll, err := reg.collection(c.Query("dbID"), c.Query("collection"))
		if err != nil {
			return fail(c, err)
		}
		ids, err := coll.Scan(start, limit)
		if err != nil {
			return fail(c, err)
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		resp := fiber.Map{"ids": out}
		if len(ids) == limit {
			resp["next"] = out[len(out)-1]
		}
		return c.JSON(resp)
	})

	router.Get("/stats", func(c *fiber.Ctx) error {
		coll, err := reg.collection(c.Query("dbID"), c.Query("collection"))
		if err != nil {
			return fail(c, err)
		}
		stats, err := coll.Stats()
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"ids":          stats.Tree.Ids,
			"pages":        stats.Tree.Pages,
			"leaves":       stats.Tree.Leaves,
			"empty_leaves": stats.Tree.EmptyLeaves,
			"internals":    stats.Tree.Internals,
			"depth":        stats.Tree.Depth,
			"leaf_fill":    stats.Tree.LeafFill,
			"wal_bytes":    stats.WALBytes,
			"last_lsn":     stats.LastLSN,
			"checkpoints":  stats.Checkpoints,
			"broken":       stats.Broken,
		})
	})

	router.Post("/checkpoint", func(c *fiber.Ctx) error {
		var body idRequest
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid json")
		}
		coll, err := reg.collection(body.DBID, body.Collection)
		if err != nil {
			return fail(c, err)
		}
		if err := coll.Set().Checkpoint(c.UserContext()); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"status": "checkpointed"})
	})
}
