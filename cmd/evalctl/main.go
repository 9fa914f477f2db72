package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"evaldb/internal/config"
	"evaldb/internal/transport"
	"evaldb/pkg/generation"
	"evaldb/pkg/render"
	"evaldb/pkg/session"
)

var (
	configPath string
	gatewayURL string
	dbName     string
	feedKind   string
	evalGen    int64
	evalArgs   []string
	readonly   bool
	short      bool
	treeWait   time.Duration

	cfg config.Config
	log *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "evalctl",
		Short:         "Work with evaldb databases from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Client.URL = gatewayURL
			}
			if cmd.Flags().Changed("db") {
				cfg.Client.DB = dbName
			}
			if cmd.Flags().Changed("feed") {
				cfg.Client.Feed = feedKind
			}
			log = cfg.Log.Logger(os.Stderr)
			return nil
		},
	}

	createCmd = &cobra.Command{
		Use:   "create [lang]",
		Short: "Create a database (luaval or duktape)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCreate,
	}

	evalCmd = &cobra.Command{
		Use:   "eval [code]",
		Short: "Evaluate code once against a generation and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}

	tailCmd = &cobra.Command{
		Use:   "tail",
		Short: "Follow a database's transactions",
		RunE:  runTail,
	}

	treeCmd = &cobra.Command{
		Use:   "tree",
		Short: "Load a database's history and print its generation tree",
		RunE:  runTree,
	}

	replCmd = &cobra.Command{
		Use:   "repl",
		Short: "Interactive session over a database",
		RunE:  runREPL,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("EVALDB_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&dbName, "db", "", "database name")
	rootCmd.PersistentFlags().StringVar(&feedKind, "feed", "", "feed transport: sse or ws")

	rootCmd.AddCommand(createCmd)

	rootCmd.AddCommand(evalCmd)
	evalCmd.Flags().Int64Var(&evalGen, "gen", -1, "generation to evaluate against (default: latest)")
	evalCmd.Flags().StringArrayVar(&evalArgs, "arg", nil, "argument as name=json (repeatable)")
	evalCmd.Flags().BoolVar(&readonly, "ro", false, "readonly query")

	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&short, "short", false, "one line per transaction")

	rootCmd.AddCommand(treeCmd)
	treeCmd.Flags().DurationVar(&treeWait, "wait", 2*time.Second, "how long to read the feed before printing")

	rootCmd.AddCommand(replCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "evalctl: %v\n", err)
		os.Exit(1)
	}
}

func client() (*transport.Client, error) {
	if cfg.Client.DB == "" {
		return nil, errors.New("--db is required")
	}
	return transport.New(cfg.Client.URL, cfg.Client.DB, log), nil
}

// follow starts the configured feed into out.
func follow(ctx context.Context, c *transport.Client, out chan<- generation.Transaction) error {
	if cfg.Client.Feed == "ws" {
		return c.TailWS(ctx, out)
	}
	return c.Tail(ctx, out)
}

func runCreate(cmd *cobra.Command, args []string) error {
	lang := "luaval"
	if len(args) == 1 {
		lang = args[0]
	}
	name, err := transport.Create(cmd.Context(), cfg.Client.URL, lang)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	var draft session.Draft
	draft.Code = args[0]
	for _, a := range evalArgs {
		arg, err := parseArg(a)
		if err != nil {
			return err
		}
		draft.Args = append(draft.Args, arg)
	}
	req := generation.Request{Code: draft.Code, Args: draft.Resolve(), Readonly: readonly}
	if evalGen >= 0 {
		gen := generation.ID(evalGen)
		req.Gen = &gen
	}
	tx, err := c.Eval(cmd.Context(), req)
	if err != nil {
		return err
	}
	printJSON(tx.Wire())
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := make(chan generation.Transaction, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return follow(ctx, c, out) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case tx := <-out:
				if short {
					printShort(tx)
				} else {
					printJSON(tx.Wire())
				}
			}
		}
	})
	return ignoreCanceled(g.Wait())
}

func runTree(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	s := session.New(c, log)
	ctx, cancel := context.WithTimeout(cmd.Context(), treeWait)
	defer cancel()
	if err := ignoreCanceled(runSession(ctx, c, s)); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return render.Text(os.Stdout, s.Snapshot())
}

// runSession feeds s from the database until ctx is done.
func runSession(ctx context.Context, c *transport.Client, s *session.Session) error {
	feed := make(chan generation.Transaction, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return follow(ctx, c, feed) })
	g.Go(func() error { return s.Run(ctx, feed) })
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseGen(s string) (generation.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid generation %q", s)
	}
	return generation.ID(n), nil
}
