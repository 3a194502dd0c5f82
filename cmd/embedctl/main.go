package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/bzconsulting24/quartermaster-sub001/features/document"
	"github.com/bzconsulting24/quartermaster-sub001/features/job"
	"github.com/bzconsulting24/quartermaster-sub001/internal/app"
	"github.com/bzconsulting24/quartermaster-sub001/internal/config"
	"github.com/bzconsulting24/quartermaster-sub001/internal/queue"
	"github.com/bzconsulting24/quartermaster-sub001/internal/retrieval"
	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

// env is what every command works against.
type env struct {
	queue     queue.Queue
	chunks    vector.ChunkStore
	docs      document.Repository
	retention queue.Retention
	close     func()
}

type opener func(ctx context.Context) (*env, error)

func main() {
	if err := newApp(os.Stdout, openFromConfig).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer, open opener) *cli.App {
	withEnv := func(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			e, err := open(c.Context)
			if err != nil {
				return err
			}
			defer e.close()
			return fn(c, e)
		}
	}

	return &cli.App{
		Name:      "embedctl",
		Usage:     "Inspect and operate the embedding job queue",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Show job counts by state and the stored chunk count",
				Action: withEnv(func(c *cli.Context, e *env) error {
					s, err := e.queue.Stats(c.Context)
					if err != nil {
						return fmt.Errorf("failed to get queue stats: %w", err)
					}
					n, err := e.chunks.Count(c.Context)
					if err != nil {
						return fmt.Errorf("failed to count chunks: %w", err)
					}
					return printJSON(out, map[string]any{"queue": s, "chunks": n})
				}),
			},
			{
				Name:      "status",
				Usage:     "Show one job",
				ArgsUsage: "<jobId>",
				Action: withEnv(func(c *cli.Context, e *env) error {
					id, err := requireArg(c, "job id")
					if err != nil {
						return err
					}
					st, err := job.NewService(e.queue).GetJobStatus(c.Context, id)
					if err != nil {
						return fmt.Errorf("job %s: %w", id, err)
					}
					return printJSON(out, st)
				}),
			},
			{
				Name:  "enqueue-text",
				Usage: "Queue free text for embedding",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "content", Usage: "Text to embed (use - to read stdin)", Required: true},
					&cli.StringFlag{Name: "source-type", Usage: "One of pdf, excel, csv, text", Value: "text"},
					&cli.StringFlag{Name: "account-id", Usage: "Owning account"},
					&cli.StringFlag{Name: "opportunity-id", Usage: "Owning opportunity"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					content, err := readContent(c.App.Reader, c.String("content"))
					if err != nil {
						return err
					}
					id, err := job.NewService(e.queue).QueueTextEmbedding(c.Context, job.TextRequest{
						Content:       content,
						SourceType:    c.String("source-type"),
						AccountID:     c.String("account-id"),
						OpportunityID: c.String("opportunity-id"),
					})
					if err != nil {
						return err
					}
					return printJSON(out, job.Accepted{JobID: id})
				}),
			},
			{
				Name:  "enqueue-document",
				Usage: "Queue a document's extracted text for embedding",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "document-id", Aliases: []string{"d"}, Usage: "Document id", Required: true},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "File holding the extracted text (- for stdin)", Required: true},
					&cli.StringFlag{Name: "source-type", Usage: "One of pdf, excel, csv, text", Value: "text"},
				},
				Action: withEnv(func(c *cli.Context, e *env) error {
					content, err := readFile(c.App.Reader, c.String("file"))
					if err != nil {
						return err
					}
					id, err := job.NewService(e.queue).QueueDocumentEmbedding(c.Context, job.DocumentRequest{
						DocumentID: c.String("document-id"),
						Content:    content,
						SourceType: c.String("source-type"),
					})
					if err != nil {
						return err
					}
					return printJSON(out, job.Accepted{JobID: id})
				}),
			},
			{
				Name:      "reindex",
				Usage:     "Queue a reindex of one document",
				ArgsUsage: "<documentId>",
				Action: withEnv(func(c *cli.Context, e *env) error {
					id, err := requireArg(c, "document id")
					if err != nil {
						return err
					}
					jobID, err := job.NewService(e.queue).QueueDocumentReindex(c.Context, id)
					if err != nil {
						return err
					}
					return printJSON(out, job.Accepted{JobID: jobID})
				}),
			},
			{
				Name:      "cancel",
				Usage:     "Remove a job that has not started",
				ArgsUsage: "<jobId>",
				Action: withEnv(func(c *cli.Context, e *env) error {
					id, err := requireArg(c, "job id")
					if err != nil {
						return err
					}
					if err := job.NewService(e.queue).Cancel(c.Context, id); err != nil {
						return fmt.Errorf("cancel %s: %w", id, err)
					}
					fmt.Fprintf(out, "cancelled %s\n", id)
					return nil
				}),
			},
			{
				Name:  "prune",
				Usage: "Delete finished jobs outside the retention policy",
				Action: withEnv(func(c *cli.Context, e *env) error {
					n, err := e.queue.Prune(c.Context, e.retention)
					if err != nil {
						return fmt.Errorf("prune failed: %w", err)
					}
					fmt.Fprintf(out, "pruned %d jobs\n", n)
					return nil
				}),
			},
			{
				Name:  "reindex-all",
				Usage: "Delete every chunk and reset every document (irreversible)",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "Confirm the destructive operation"},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("yes") {
						return errors.New("reindex-all deletes every embedding; pass --yes to confirm")
					}
					return withEnv(func(c *cli.Context, e *env) error {
						svc := retrieval.NewService(nil, e.chunks, nil, e.docs, nil, 0)
						summary, err := svc.ReindexAll(c.Context)
						if err != nil {
							return err
						}
						return printJSON(out, summary)
					})(c)
				},
			},
		},
	}
}

func openFromConfig(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.QueueBackend == config.BackendMemory {
		return nil, errors.New("embedctl needs QUEUE_BACKEND=postgres; a memory queue lives inside the server process")
	}
	if cfg.VectorBackend == config.BackendMemory {
		return nil, errors.New("embedctl needs a shared VECTOR_BACKEND; a memory store lives inside the server process")
	}

	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	chunks, err := app.NewChunkStore(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &env{
		queue:  app.NewQueue(cfg, db),
		chunks: chunks,
		docs:   document.NewPostgresRepo(db),
		retention: queue.Retention{
			KeepCompleted:   cfg.QueueKeepCompleted,
			CompletedMaxAge: cfg.QueueCompletedMaxAge,
			KeepFailed:      cfg.QueueKeepFailed,
			FailedMaxAge:    cfg.QueueFailedMaxAge,
		},
		close: closeDB(db),
	}, nil
}

func closeDB(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", c.String("log-level"))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func requireArg(c *cli.Context, name string) (string, error) {
	arg := strings.TrimSpace(c.Args().First())
	if arg == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return arg, nil
}

func readContent(stdin io.Reader, v string) (string, error) {
	if v != "-" {
		return v, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(b), nil
}

func readFile(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		return readContent(stdin, path)
	}
	b, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(b), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
