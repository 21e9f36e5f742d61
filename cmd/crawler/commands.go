// cmd/crawler/commands.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repo-crawler/internal/forkgraph"
	"repo-crawler/internal/identity"
	"repo-crawler/internal/model"
	"repo-crawler/internal/scheduler"
	"repo-crawler/internal/store"
	"repo-crawler/internal/syncer"
	"repo-crawler/internal/vcs"
)

// cli carries the root flags and the app built before each command runs.
type cli struct {
	v        *viper.Viper
	logger   *slog.Logger
	logLevel *slog.LevelVar

	cfgFile string
	force   bool
	maxAge  time.Duration
	retry   bool

	app *app
}

func newRootCmd(logger *slog.Logger, logLevel *slog.LevelVar) *cobra.Command {
	c := &cli{v: viper.New(), logger: logger, logLevel: logLevel}

	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Crawls repository metadata from code hosting APIs into a relational store.",
		Long: `crawler fills a relational store with the stargazers, forks and followers of the
repositories it knows, links commit author emails to GitHub logins and keeps local
working copies. Every command resumes where the previous run stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.v, c.cfgFile, c.logger, c.logLevel)
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is ./.env)")
	flags.Int("workers", 1, "number of concurrent workers")
	flags.Int("per-page", 100, "page size requested from the API (max 100)")
	flags.Int("threshold", 50, "minimum remaining queries a credential keeps")
	flags.Bool("fail-on-wait", false, "fail instead of waiting when every credential is exhausted")
	flags.BoolVar(&c.force, "force", false, "select every entity, even the ones already synchronized")
	flags.DurationVar(&c.maxAge, "max-age", 0, "also select entities whose last attempt is older than this")
	flags.BoolVar(&c.retry, "retry", false, "also select entities whose last attempt failed")
	for key, flag := range map[string]string{
		"WORKERS":             "workers",
		"PER_PAGE":            "per-page",
		"QUERY_MIN_THRESHOLD": "threshold",
		"FAIL_ON_WAIT":        "fail-on-wait",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(
		c.newMigrateCmd(),
		c.newSourcesCmd(),
		c.newURLsCmd(),
		c.newReposCmd(),
		c.newStarsCmd(),
		c.newForksCmd(),
		c.newForkRanksCmd(),
		c.newFollowersCmd(),
		c.newLoginsCmd(),
		c.newClonesCmd(),
	)
	c.closeAfter(cmd)
	return cmd
}

// closeAfter wraps the RunE of cmd and its subcommands so the app is released
// whether the command succeeds or not. Cobra skips the post-run hooks after an error.
func (c *cli) closeAfter(cmd *cobra.Command) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			defer c.closeApp()
			return run(cmd, args)
		}
	}
	for _, sub := range cmd.Commands() {
		c.closeAfter(sub)
	}
}

func (c *cli) closeApp() {
	if c.app != nil {
		c.app.close()
		c.app = nil
	}
}

func (c *cli) policy() model.Policy {
	return model.Policy{Force: c.force, MaxAge: c.maxAge, Retry: c.retry}
}

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store already migrated it.
			return c.app.store.Ping(cmd.Context())
		},
	}
}

func (c *cli) newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sources", Short: "Manage repository sources"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME [URL_ROOT]",
		Short: "Register a source, with the url root of its code host if it has one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) == 2 {
				root = args[1]
			}
			id, err := registerSource(cmd.Context(), c.app.store, args[0], root)
			if err != nil {
				return err
			}
			c.logger.Info("Source registered", "id", id, "name", args[0], "url_root", root)
			return nil
		},
	})
	return cmd
}

func registerSource(ctx context.Context, s store.Store, name, root string) (int64, error) {
	var id int64
	err := store.WithSession(ctx, s, func(sess store.Session) error {
		var err error
		id, err = sess.RegisterSource(ctx, name, root)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("register source %s: %w", name, err)
	}
	return id, nil
}

func (c *cli) newURLsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "urls", Short: "Manage raw repository urls"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add [FILE...]",
		Short: "Store raw repository urls, one per line, read from files or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var urls []string
			if len(args) == 0 {
				args = []string{"-"}
			}
			for _, path := range args {
				lines, err := readLines(path, cmd.InOrStdin())
				if err != nil {
					return err
				}
				urls = append(urls, lines...)
			}
			var added int64
			err := store.WithSession(cmd.Context(), c.app.store, func(sess store.Session) error {
				var err error
				added, err = sess.AddURLs(cmd.Context(), urls)
				return err
			})
			if err != nil {
				return fmt.Errorf("add urls: %w", err)
			}
			c.logger.Info("Urls stored", "read", len(urls), "new", added)
			return nil
		},
	})
	return cmd
}

func readLines(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

func (c *cli) newReposCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Register repositories from the stored urls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.app.serveOps()
			_, err := identity.RegisterRepositories(cmd.Context(), c.app.store, identity.RegisterOptions{All: all}, c.logger)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clean every url again, not only the new ones")
	return cmd
}

// crawl runs a collection task over the pending entities of the configured source.
func (c *cli) crawl(ctx context.Context, name string, pending func(ctx context.Context, q store.Querier) ([]model.PendingEntity, error), only []string, task func(*syncer.Syncer) scheduler.Task[model.Entity]) error {
	a := c.app
	if _, err := registerSource(ctx, a.store, a.cfg.SourceName, a.cfg.SourceURLRoot); err != nil {
		return err
	}
	ids, err := syncer.ParseRepoIdentifiers(only)
	if err != nil {
		return err
	}
	pool, err := a.credentialPool(ctx)
	if err != nil {
		return err
	}
	a.serveOps()

	var candidates []model.PendingEntity
	err = store.WithSession(ctx, a.store, func(sess store.Session) error {
		var err error
		candidates, err = pending(ctx, sess)
		return err
	})
	if err != nil {
		return fmt.Errorf("list pending %s: %w", name, err)
	}
	entities := syncer.OnlyRepositories(c.policy().Select(candidates, time.Now()), ids)
	c.logger.Info("Selected entities", "task", name, "candidates", len(candidates), "selected", len(entities))

	s := syncer.NewSyncer(syncer.Options{PerPage: a.cfg.PerPage, WriteJitter: a.cfg.WriteJitter}, c.logger)
	return scheduler.Run(ctx, scheduler.Config{
		Name:    name,
		Workers: a.cfg.Workers,
		Store:   a.store,
		Pool:    pool,
	}, entities, task(s), c.logger)
}

func (c *cli) repositories(coll model.Collection) func(context.Context, store.Querier) ([]model.PendingEntity, error) {
	return func(ctx context.Context, q store.Querier) ([]model.PendingEntity, error) {
		return q.PendingRepositories(ctx, c.app.cfg.SourceName, coll)
	}
}

func (c *cli) newStarsCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "stars",
		Short: "Fill the stargazers of the source repositories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.crawl(cmd.Context(), "stars", c.repositories(model.Stars), only, func(s *syncer.Syncer) scheduler.Task[model.Entity] {
				return syncer.Task(s, syncer.Stars())
			})
		},
	}
	cmd.Flags().StringSliceVar(&only, "repo", nil, "restrict to these owner/name repositories")
	return cmd
}

func (c *cli) newForksCmd() *cobra.Command {
	var only []string
	var skipRanks bool
	cmd := &cobra.Command{
		Use:   "forks",
		Short: "Fill the direct forks of the source repositories, then the fork ranks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := c.crawl(cmd.Context(), "forks", c.repositories(model.Forks), only, func(s *syncer.Syncer) scheduler.Task[model.Entity] {
				return syncer.Task(s, syncer.Forks())
			})
			if err != nil || skipRanks || cmd.Context().Err() != nil {
				return err
			}
			_, err = forkgraph.Materialize(cmd.Context(), c.app.store, c.logger)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&only, "repo", nil, "restrict to these owner/name repositories")
	cmd.Flags().BoolVar(&skipRanks, "no-ranks", false, "do not materialize the fork ranks afterwards")
	return cmd
}

func (c *cli) newForkRanksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fork-ranks",
		Short: "Materialize the transitive fork relation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.app.serveOps()
			_, err := forkgraph.Materialize(cmd.Context(), c.app.store, c.logger)
			return err
		},
	}
}

func (c *cli) newFollowersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "followers",
		Short: "Fill the followers of the known GitHub logins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logins := func(ctx context.Context, q store.Querier) ([]model.PendingEntity, error) {
				return q.PendingLogins(ctx, model.Followers)
			}
			return c.crawl(cmd.Context(), "followers", logins, nil, func(s *syncer.Syncer) scheduler.Task[model.Entity] {
				return syncer.Task(s, syncer.Followers())
			})
		},
	}
}

func (c *cli) newLoginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logins",
		Short: "Link commit author identities to GitHub logins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := c.app
			pool, err := a.credentialPool(ctx)
			if err != nil {
				return err
			}
			a.serveOps()

			var candidates []model.AttributionCandidate
			err = store.WithSession(ctx, a.store, func(sess store.Session) error {
				var err error
				candidates, err = sess.PendingAttributions(ctx, a.cfg.SourceName)
				return err
			})
			if err != nil {
				return fmt.Errorf("list pending logins: %w", err)
			}
			selected := identity.Select(candidates, c.policy(), time.Now())
			c.logger.Info("Selected identities", "candidates", len(candidates), "selected", len(selected))

			return scheduler.Run(ctx, scheduler.Config{
				Name:    "logins",
				Workers: a.cfg.Workers,
				Store:   a.store,
				Pool:    pool,
			}, selected, identity.NewAttributor(c.logger).Task(), c.logger)
		},
	}
}

var cloneOptions = map[string]model.CloneOption{
	"never":      model.CloneNeverAttempted,
	"not-cloned": model.CloneNotCloned,
	"all":        model.CloneAll,
}

func (c *cli) newClonesCmd() *cobra.Command {
	var (
		update bool
		option string
		source string
	)
	cmd := &cobra.Command{
		Use:   "clones",
		Short: "Clone the repositories of the code host sources into the data folder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a := c.app
			opt, ok := cloneOptions[option]
			if !ok {
				return errors.New("--option must be one of never, not-cloned, all")
			}
			a.serveOps()

			var targets []model.CloneTarget
			err := store.WithSession(ctx, a.store, func(sess store.Session) error {
				var err error
				targets, err = sess.CloneTargets(ctx, source, opt)
				return err
			})
			if err != nil {
				return fmt.Errorf("list clone targets: %w", err)
			}

			mirror := vcs.NewMirror(vcs.Options{Root: filepath.Join(a.cfg.DataFolder, "clones"), Update: update}, c.logger)
			return scheduler.Run(ctx, scheduler.Config{
				Name:    "clones",
				Workers: a.cfg.Workers,
				Store:   a.store,
			}, targets, mirror.Task(), c.logger)
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "fetch the working copies that already exist")
	cmd.Flags().StringVar(&option, "option", "never", "repositories to list: never (attempted), not-cloned, all")
	cmd.Flags().StringVar(&source, "source", "", "restrict to one source (default all code host sources)")
	return cmd
}
