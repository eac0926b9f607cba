package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/internal/storage/postgres"
)

const progressEvery = 10_000

func main() {
	cmd := &cli.Command{
		Name:  "seed-db",
		Usage: "Provision the root API and import keys into PostgreSQL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Sources:  cli.EnvVars("KEYGATE_DATABASE_URL", "DATABASE_URL"),
				Usage:    "PostgreSQL connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "key-pepper",
				Sources: cli.EnvVars("KEYGATE_KEY_PEPPER"),
				Usage:   "HMAC pepper for key hashing",
			},
			&cli.StringFlag{
				Name:    "root-api-id",
				Value:   "api_root",
				Sources: cli.EnvVars("KEYGATE_ROOT_API_ID"),
				Usage:   "API whose keys may call management endpoints",
			},
			&cli.StringFlag{
				Name:  "workspace",
				Value: "ws_default",
				Usage: "Workspace managed by the root key",
			},
			&cli.StringFlag{
				Name:    "root-key",
				Sources: cli.EnvVars("KEYGATE_BOOTSTRAP_ROOT_KEY"),
				Usage:   "Root key secret; generated and printed when empty",
			},
			&cli.StringFlag{
				Name:  "import",
				Usage: "JSON-lines file of keys to import (.gz accepted)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Value: 8,
				Usage: "Concurrent inserts during import",
			},
		},
		Action: run,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")
}

func run(ctx context.Context, c *cli.Command) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, c.String("database-url"))
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewKeyRepository(pool)
	hasher := keys.NewHasher([]byte(c.String("key-pepper")))

	if err := seedRoot(ctx, repo, hasher, c.String("root-api-id"), c.String("workspace"), c.String("root-key")); err != nil {
		return errors.Wrap(err, "seed root key")
	}

	if path := c.String("import"); path != "" {
		n, err := importKeys(ctx, repo, hasher, path, c.String("workspace"), int(c.Int("workers")))
		if err != nil {
			return errors.Wrap(err, "import keys")
		}
		slog.Info("imported keys", slog.Int64("count", n))
	}
	return nil
}

func seedRoot(ctx context.Context, repo keys.Repository, hasher *keys.Hasher, apiID, workspace, secret string) error {
	_, err := repo.FindKeyAuthByAPIID(ctx, apiID)
	if err == nil {
		slog.Info("root api already exists", slog.String("api_id", apiID))
		return nil
	}
	if !errors.Is(err, keys.ErrNotFound) {
		return errors.Wrap(err, "find root api")
	}

	now := time.Now()
	auth := &keys.KeyAuth{
		ID:          "ks_" + uuid.NewString(),
		APIID:       apiID,
		WorkspaceID: workspace,
		Name:        "root",
		CreatedAt:   now,
	}
	if err := repo.InsertKeyAuth(ctx, auth); err != nil {
		return errors.Wrap(err, "insert root api")
	}

	generated := secret == ""
	start := ""
	if generated {
		secret, start, err = keys.GenerateSecret("root", keys.DefaultByteLength)
		if err != nil {
			return err
		}
	} else {
		start = secret[:min(len(secret), 4)]
	}

	key := &keys.Key{
		ID:             "key_" + uuid.NewString(),
		Hash:           hasher.Digest(secret),
		Start:          start,
		KeyAuthID:      auth.ID,
		WorkspaceID:    workspace,
		ForWorkspaceID: workspace,
		Name:           "root",
		Enabled:        true,
		CreatedAt:      now,
	}
	if err := repo.Insert(ctx, key); err != nil {
		return errors.Wrap(err, "insert root key")
	}

	slog.Info("created root key", slog.String("api_id", apiID), slog.String("key_id", key.ID))
	if generated {
		// Printed once; only the hash is stored.
		if _, err := io.WriteString(os.Stdout, secret+"\n"); err != nil {
			return errors.Wrap(err, "print root key")
		}
	}
	return nil
}

// importRecord is one line of the import file.
type importRecord struct {
	APIID       string
	Plaintext   string
	Hash        string
	Name        string
	OwnerID     string
	Environment string
	Enabled     bool
	Remaining   *int64
	Expires     *time.Time
}

func decodeRecord(line []byte) (importRecord, error) {
	rec := importRecord{Enabled: true}
	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "apiId":
			rec.APIID, err = d.Str()
		case "plaintext":
			rec.Plaintext, err = d.Str()
		case "hash":
			rec.Hash, err = d.Str()
		case "name":
			rec.Name, err = d.Str()
		case "ownerId":
			rec.OwnerID, err = d.Str()
		case "environment":
			rec.Environment, err = d.Str()
		case "enabled":
			rec.Enabled, err = d.Bool()
		case "remaining":
			var v int64
			if v, err = d.Int64(); err == nil {
				rec.Remaining = &v
			}
		case "expires":
			var ms int64
			if ms, err = d.Int64(); err == nil {
				t := time.UnixMilli(ms)
				rec.Expires = &t
			}
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "field %q", key)
	})
	if err != nil {
		return rec, err
	}
	if rec.APIID == "" {
		return rec, errors.New("apiId is required")
	}
	if (rec.Plaintext == "") == (rec.Hash == "") {
		return rec, errors.New("exactly one of plaintext or hash is required")
	}
	return rec, nil
}

// importKeys streams path line by line into workers concurrent inserts.
func importKeys(ctx context.Context, repo keys.Repository, hasher *keys.Hasher, path, workspace string, workers int) (int64, error) {
	r, closeFn, err := openInput(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	auths := newAuthCache(repo)
	lines := make(chan []byte, workers*4)
	var inserted atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return errors.Wrapf(scanner.Err(), "scan %s", path)
	})
	for range max(workers, 1) {
		g.Go(func() error {
			for line := range lines {
				rec, err := decodeRecord(line)
				if err != nil {
					return errors.Wrapf(err, "decode %q", line)
				}
				if err := insertRecord(ctx, repo, hasher, auths, rec, workspace); err != nil {
					return err
				}
				if n := inserted.Add(1); n%progressEvery == 0 {
					slog.Info("import progress", slog.Int64("keys", n))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return inserted.Load(), err
	}
	return inserted.Load(), nil
}

func insertRecord(ctx context.Context, repo keys.Repository, hasher *keys.Hasher, auths *authCache, rec importRecord, workspace string) error {
	auth, err := auths.get(ctx, rec.APIID)
	if err != nil {
		return err
	}
	if auth.WorkspaceID != workspace {
		return errors.Errorf("api %s belongs to another workspace", rec.APIID)
	}

	hash, start := rec.Hash, ""
	if rec.Plaintext != "" {
		hash = hasher.Digest(rec.Plaintext)
		start = rec.Plaintext[:min(len(rec.Plaintext), 4)]
	}
	return repo.Insert(ctx, &keys.Key{
		ID:          "key_" + uuid.NewString(),
		Hash:        hash,
		Start:       start,
		KeyAuthID:   auth.ID,
		WorkspaceID: auth.WorkspaceID,
		Name:        rec.Name,
		OwnerID:     rec.OwnerID,
		Environment: rec.Environment,
		Enabled:     rec.Enabled,
		Remaining:   rec.Remaining,
		Expires:     rec.Expires,
		CreatedAt:   time.Now(),
	})
}

// openInput opens path, transparently decompressing .gz files.
func openInput(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, func() { _ = f.Close() }, nil
	}
	gz, err := pgzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	return gz, func() {
		_ = gz.Close()
		_ = f.Close()
	}, nil
}
