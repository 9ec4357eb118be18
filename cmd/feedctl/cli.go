package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"feedctl/internal/app"
	"feedctl/internal/apperr"
	"feedctl/internal/config"
	"feedctl/internal/fetcher"
	"feedctl/internal/output"
	"feedctl/internal/registry"
)

// flagEnv maps configuration variables to the global flags overriding them.
var flagEnv = map[string]string{
	"FEEDCTL_HOME":               "home",
	"FEEDCTL_DATABASE_PATH":      "db",
	"FEEDCTL_SUBSCRIPTIONS_PATH": "subscriptions",
	"FEEDCTL_LOG_LEVEL":          "log-level",
	"FEEDCTL_FETCH_TIMEOUT":      "timeout",
	"FEEDCTL_WORKERS":            "workers",
	"FEEDCTL_USER_AGENT":         "user-agent",
}

type runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// client replaces the network client when set.
	client fetcher.HTTPClient
	mode   output.Mode
}

// run executes args and returns the process exit status.
func (r *runner) run(ctx context.Context, args []string) int {
	err := r.app().RunContext(ctx, args)
	if err == nil {
		return 0
	}

	w := r.stderr
	if r.mode == output.ModeJSON {
		w = r.stdout
	}
	_ = output.Render(w, r.mode, output.NewError(err))
	return 1
}

func (r *runner) app() *cli.App {
	return &cli.App{
		Name:  "feedctl",
		Usage: "Subscribe to RSS and Atom feeds and read them from the terminal",
		Description: `feedctl keeps a list of feed subscriptions and a local store of
their entries. Every command prints a plain text summary, or a JSON
envelope with --json.

Flags can generally be set via environment variables, e.g.:

--home => FEEDCTL_HOME=~/.feedctl
--workers => FEEDCTL_WORKERS=4`,
		Writer:          r.stdout,
		ErrWriter:       r.stderr,
		Reader:          r.stdin,
		HideHelpCommand: true,
		ExitErrHandler:  func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON envelopes"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "print identifiers only"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log debug output to stderr"},
			&cli.StringFlag{Name: "home", Usage: "data directory", EnvVars: []string{"FEEDCTL_HOME"}},
			&cli.StringFlag{Name: "db", Usage: "SQLite database file location", EnvVars: []string{"FEEDCTL_DATABASE_PATH"}},
			&cli.StringFlag{Name: "subscriptions", Usage: "subscription list file location", EnvVars: []string{"FEEDCTL_SUBSCRIPTIONS_PATH"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVars: []string{"FEEDCTL_LOG_LEVEL"}},
			&cli.StringFlag{Name: "timeout", Usage: "per request fetch timeout", EnvVars: []string{"FEEDCTL_FETCH_TIMEOUT"}},
			&cli.StringFlag{Name: "workers", Usage: "concurrent fetches", EnvVars: []string{"FEEDCTL_WORKERS"}},
			&cli.StringFlag{Name: "user-agent", Usage: "User-Agent header for fetches", EnvVars: []string{"FEEDCTL_USER_AGENT"}},
		},
		Before: func(c *cli.Context) error {
			switch {
			case c.Bool("json"):
				r.mode = output.ModeJSON
			case c.Bool("quiet"):
				r.mode = output.ModeQuiet
			default:
				r.mode = output.ModePlain
			}
			return nil
		},
		Commands: []*cli.Command{
			r.addCmd(),
			r.listCmd(),
			r.removeCmd(),
			r.fetchCmd(),
			r.entriesCmd(),
			r.readCmd(),
			r.markReadCmd(),
			r.exportCmd(),
			r.importCmd(),
			r.versionCmd(),
			r.configCmd(),
		},
	}
}

func (r *runner) loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFrom(func(key string) string {
		return c.String(flagEnv[key])
	})
	if err != nil {
		return nil, nil, err
	}
	if c.Bool("verbose") {
		cfg.LogLevel = "debug"
	}
	return cfg, newLogger(r.stderr, cfg.LogLevel), nil
}

// withApp opens the store for the duration of one command and renders
// the command's result.
func (r *runner) withApp(fn func(c *cli.Context, a *app.App) (output.Result, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, log, err := r.loadConfig(c)
		if err != nil {
			return err
		}

		a, err := app.Open(c.Context, cfg, log, r.client)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := fn(c, a)
		if err != nil {
			return err
		}
		return output.Render(r.stdout, r.mode, res)
	}
}

func requireArg(c *cli.Context, i int, name string) (string, error) {
	v := c.Args().Get(i)
	if v == "" {
		return "", apperr.New(apperr.ParseError, "missing argument: %s", name)
	}
	return v, nil
}

func (r *runner) addCmd() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Subscribe to a feed",
		ArgsUsage: "<url> [name]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "display name, derived from the id when empty"},
		},
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			url, err := requireArg(c, 0, "url")
			if err != nil {
				return nil, err
			}
			name := c.String("name")
			if name == "" {
				name = c.Args().Get(1)
			}
			return a.Add(c.Context, url, name)
		}),
	}
}

func (r *runner) listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List subscribed feeds",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "fast", Usage: "read the subscription list file without opening the store"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("fast") {
				return r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
					return a.List(c.Context)
				})(c)
			}
			cfg, _, err := r.loadConfig(c)
			if err != nil {
				return err
			}
			feeds, err := registry.ListFast(cfg.SubscriptionsPath)
			if err != nil {
				return err
			}
			return output.Render(r.stdout, r.mode, output.NewFeedList(feeds))
		},
	}
}

func (r *runner) removeCmd() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Unsubscribe from a feed and delete its entries",
		ArgsUsage: "<id|name>",
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			ref, err := requireArg(c, 0, "feed")
			if err != nil {
				return nil, err
			}
			return a.Remove(c.Context, ref)
		}),
	}
}

func entryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: app.DefaultLimit, Usage: "maximum number of entries"},
		&cli.BoolFlag{Name: "unread", Aliases: []string{"u"}, Usage: "unread entries only"},
	}
}

func entryParams(c *cli.Context) app.EntryParams {
	return app.EntryParams{
		Ref:        c.Args().First(),
		Limit:      c.Int("limit"),
		UnreadOnly: c.Bool("unread"),
	}
}

func (r *runner) fetchCmd() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Refresh one feed, or every feed, and show the new entries",
		ArgsUsage: "[id|name]",
		Flags:     entryFlags(),
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			return a.Fetch(c.Context, entryParams(c))
		}),
	}
}

func (r *runner) entriesCmd() *cli.Command {
	return &cli.Command{
		Name:      "entries",
		Usage:     "Show stored entries without fetching",
		ArgsUsage: "[id|name]",
		Flags:     entryFlags(),
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			return a.Entries(c.Context, entryParams(c))
		}),
	}
}

func (r *runner) readCmd() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Show an entry and mark it read",
		ArgsUsage: "<entry id>",
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			raw, err := requireArg(c, 0, "entry id")
			if err != nil {
				return nil, err
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id < 1 {
				return nil, apperr.New(apperr.ParseError, "Invalid entry id: %s", raw)
			}
			return a.Read(c.Context, id)
		}),
	}
}

func (r *runner) markReadCmd() *cli.Command {
	return &cli.Command{
		Name:      "mark-read",
		Usage:     "Mark every entry of a feed read",
		ArgsUsage: "<id|name>",
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			ref, err := requireArg(c, 0, "feed")
			if err != nil {
				return nil, err
			}
			return a.MarkReadAll(c.Context, ref)
		}),
	}
}

func (r *runner) exportCmd() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Print the subscription list as OPML or JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "opml", Usage: "opml or json"},
		},
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			return a.Export(c.Context, c.String("format"))
		}),
	}
}

func (r *runner) importCmd() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Subscribe to the feeds listed in an OPML or JSON document",
		ArgsUsage: "<file|->",
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			path, err := requireArg(c, 0, "file")
			if err != nil {
				return nil, err
			}
			if path == "-" {
				return a.Import(c.Context, r.stdin)
			}
			f, err := os.Open(path)
			if err != nil {
				return nil, apperr.Wrap(apperr.NotFound, err, "open import file")
			}
			defer func() { _ = f.Close() }()
			return a.Import(c.Context, f)
		}),
	}
}

func (r *runner) versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show the store schema version",
		Action: r.withApp(func(c *cli.Context, a *app.App) (output.Result, error) {
			return a.Version(c.Context)
		}),
	}
}

func (r *runner) configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(c *cli.Context) error {
					cfg, _, err := r.loadConfig(c)
					if err != nil {
						return err
					}
					return output.Render(r.stdout, r.mode, app.ConfigShow(cfg))
				},
			},
		},
	}
}
