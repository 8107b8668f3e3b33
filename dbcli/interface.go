package dbcli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"idset/btree"
	"idset/config"
	"idset/database"
	"idset/logger"
	"idset/server"
)

var (
	configPath string
	rootDir    string
	logLevel   string
	logFile    string

	cfg config.Config
	log = zap.NewNop()
)

// Root command for the CLI
var RootCmd = &cobra.Command{
	Use:   "idset",
	Short: "CLI for managing id set databases",
	Long: "A Command Line Interface (CLI) for creating databases of named id sets, " +
		"changing and querying them, and serving them over HTTP.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

// Execute runs the root command
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the config file, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("root") {
		c.Storage.Root = rootDir
	}
	if flags.Changed("log-level") {
		c.Logger.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		c.Logger.FileLogName = logFile
	}

	l, err := logger.New(c.Logger)
	if err != nil {
		return err
	}
	cfg, log = c, l
	return nil
}

func dbPath(dbID string) string {
	return filepath.Join(cfg.Storage.Root, dbID)
}

func loadDatabase(dbID string) (*database.Database, error) {
	db, err := database.LoadDatabase(dbPath(dbID), cfg.Storage.Options(log))
	if err != nil {
		return nil, errors.Wrapf(err, "error loading database '%s'", dbID)
	}
	return db, nil
}

// withCollection opens the collection, runs fn and closes the database.
func withCollection(dbID, name string, fn func(coll *database.Collection) error) (err error) {
	db, err := loadDatabase(dbID)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()

	coll, err := db.GetCollection(name)
	if err != nil {
		return errors.Wrapf(err, "error getting collection '%s'", name)
	}
	return fn(coll)
}

func parseIds(args []string) ([]btree.Id, error) {
	ids := make([]btree.Id, 0, len(args))
	for _, arg := range args {
		id, err := btree.ParseId(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Command to create a new database
var createDBCmd = &cobra.Command{
	Use:   "create-db",
	Short: "Create a new database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbID, err := database.NewID()
		if err != nil {
			return err
		}
		db, err := database.NewDatabase(dbPath(dbID), dbID, cfg.Storage.Options(log))
		if err != nil {
			return errors.Wrap(err, "error creating database")
		}
		if err := db.Close(); err != nil {
			return errors.Wrap(err, "error closing database")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Database ID:", dbID)
		fmt.Fprintln(out, "Database created successfully!")
		return nil
	},
}

var listDBsCmd = &cobra.Command{
	Use:   "list-dbs",
	Short: "List the databases under the storage root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbs, err := database.ListDatabases(cfg.Storage.Root)
		if err != nil {
			return err
		}
		for _, id := range dbs {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

// Command to create a collection in a database
var createCollectionCmd = &cobra.Command{
	Use:   "create-collection [dbID] [name]",
	Short: "Create a new collection in the specified database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dbID, name := args[0], args[1]
		db, err := loadDatabase(dbID)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, db.Close())
		}()

		if _, err := db.CreateCollection(name); err != nil {
			return errors.Wrap(err, "error creating collection")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Collection '%s' created successfully in database '%s'.\n", name, dbID)
		return nil
	},
}

var dropCollectionCmd = &cobra.Command{
	Use:   "drop-collection [dbID] [name]",
	Short: "Delete a collection and its files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dbID, name := args[0], args[1]
		db, err := loadDatabase(dbID)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, db.Close())
		}()

		if err := db.DropCollection(name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Collection '%s' dropped from database '%s'.\n", name, dbID)
		return nil
	},
}

var listCollectionsCmd = &cobra.Command{
	Use:   "list-collections [dbID]",
	Short: "List the collections of a database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		db, err := loadDatabase(args[0])
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, db.Close())
		}()

		for _, name := range db.GetAllCollections() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

// Command to insert ids into a collection
var insertCmd = &cobra.Command{
	Use:   "insert [dbID] [collection] [id...]",
	Short: "Insert ids into a collection",
	Long: "This command inserts one or more ids into the specified collection. " +
		"An id is a UUID, a 0x-prefixed hex value or a decimal value.",
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIds(args[2:])
		if err != nil {
			return err
		}
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			for _, id := range ids {
				inserted, err := coll.Insert(cmd.Context(), id)
				if err != nil {
					return err
				}
				if inserted {
					fmt.Fprintf(cmd.OutOrStdout(), "inserted %s\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "already present %s\n", id)
				}
			}
			return nil
		})
	},
}

// Command to delete ids from a collection
var deleteCmd = &cobra.Command{
	Use:   "delete [dbID] [collection] [id...]",
	Short: "Delete ids from a collection",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIds(args[2:])
		if err != nil {
			return err
		}
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			for _, id := range ids {
				deleted, err := coll.Delete(cmd.Context(), id)
				if err != nil {
					return err
				}
				if deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "not present %s\n", id)
				}
			}
			return nil
		})
	},
}

var containsCmd = &cobra.Command{
	Use:   "contains [dbID] [collection] [id]",
	Short: "Report whether an id is in a collection",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := btree.ParseId(args[2])
		if err != nil {
			return err
		}
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			found, err := coll.Contains(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), found)
			return nil
		})
	},
}

var (
	scanAfter string
	scanLimit int
)

var scanCmd = &cobra.Command{
	Use:   "scan [dbID] [collection]",
	Short: "Print ids in ascending order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var start *btree.Id
		if scanAfter != "" {
			id, err := btree.ParseId(scanAfter)
			if err != nil {
				return err
			}
			start = &id
		}
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			ids, err := coll.Scan(start, scanLimit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [dbID] [collection]",
	Short: "Print tree and journal statistics",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			stats, err := coll.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ids:          %d\n", stats.Tree.Ids)
			fmt.Fprintf(out, "pages:        %d\n", stats.Tree.Pages)
			fmt.Fprintf(out, "leaves:       %d (%d empty)\n", stats.Tree.Leaves, stats.Tree.EmptyLeaves)
			fmt.Fprintf(out, "internals:    %d\n", stats.Tree.Internals)
			fmt.Fprintf(out, "depth:        %d\n", stats.Tree.Depth)
			fmt.Fprintf(out, "leaf fill:    %.2f%%\n", stats.Tree.LeafFill*100)
			fmt.Fprintf(out, "wal bytes:    %d\n", stats.WALBytes)
			fmt.Fprintf(out, "last lsn:     %d\n", stats.LastLSN)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [dbID] [collection]",
	Short: "Verify the structure of a collection's tree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			if err := coll.Set().Check(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Collection '%s' is consistent.\n", args[1])
			return nil
		})
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [dbID] [collection]",
	Short: "Write journaled changes into the page file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			if err := coll.Set().Checkpoint(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Checkpoint complete.")
			return nil
		})
	},
}

var bulkWorkers int

// Command to load many ids at once. Inserts run from several goroutines so
// the writer can batch them.
var bulkInsertCmd = &cobra.Command{
	Use:   "bulk-insert [dbID] [collection] [file]",
	Short: "Insert ids read one per line from a file, or stdin when file is -",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[2] != "-" {
			f, err := os.Open(args[2])
			if err != nil {
				return errors.Wrap(err, "error opening id file")
			}
			defer f.Close()
			in = f
		}

		return withCollection(args[0], args[1], func(coll *database.Collection) error {
			var inserted, seen atomic.Int64
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(bulkWorkers, 1))

			scanner := bufio.NewScanner(in)
			line := 0
			for scanner.Scan() {
				line++
				text := scanner.Text()
				if text == "" {
					continue
				}
				id, err := btree.ParseId(text)
				if err != nil {
					return multierr.Append(errors.Wrapf(err, "line %d", line), g.Wait())
				}
				g.Go(func() error {
					ok, err := coll.Insert(ctx, id)
					if err != nil {
						return err
					}
					seen.Add(1)
					if ok {
						inserted.Add(1)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := scanner.Err(); err != nil {
				return errors.Wrap(err, "error reading ids")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inserted %d of %d ids.\n", inserted.Load(), seen.Load())
			return nil
		})
	},
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve every database under the storage root over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Server(ctx, cfg, log)
	},
}

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		flags := RootCmd.PersistentFlags()
		flags.StringVar(&configPath, "config", "", "YAML config file")
		flags.StringVar(&rootDir, "root", "", "directory holding the databases (default ./files)")
		flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
		flags.StringVar(&logFile, "log-file", "", "also write JSON logs to this rotated file")

		scanCmd.Flags().StringVar(&scanAfter, "after", "", "start strictly after this id")
		scanCmd.Flags().IntVar(&scanLimit, "limit", 100, "maximum ids to print, 0 for all")
		bulkInsertCmd.Flags().IntVarP(&bulkWorkers, "workers", "w", 16, "concurrent inserters")
		serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host")
		serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port")

		RootCmd.AddCommand(createDBCmd)
		RootCmd.AddCommand(listDBsCmd)
		RootCmd.AddCommand(createCollectionCmd)
		RootCmd.AddCommand(dropCollectionCmd)
		RootCmd.AddCommand(listCollectionsCmd)
		RootCmd.AddCommand(insertCmd)
		RootCmd.AddCommand(deleteCmd)
		RootCmd.AddCommand(containsCmd)
		RootCmd.AddCommand(scanCmd)
		RootCmd.AddCommand(statsCmd)
		RootCmd.AddCommand(checkCmd)
		RootCmd.AddCommand(checkpointCmd)
		RootCmd.AddCommand(bulkInsertCmd)
		RootCmd.AddCommand(serveCmd)
	})
}
