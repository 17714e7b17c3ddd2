// Command simtradectl runs maintenance tasks against the configured store.
//
//	simtradectl migrate
//	simtradectl settle
//	simtradectl merge -primary <id> -secondary <id>
//	simtradectl cleanup-dangling [-dry-run]
//	simtradectl seed-user -external-id <id> [-opening 100000]
//	simtradectl verify-ledger -user <id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"simtrade/internal/app"
	"simtrade/internal/auth"
	"simtrade/internal/battle"
	"simtrade/internal/config"
	"simtrade/internal/ledger"
	"simtrade/internal/merge"
	"simtrade/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type env struct {
	cfg     config.Config
	log     *zap.Logger
	storage app.Storage
	ledger  *ledger.Service
}

type command struct {
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"migrate":          {"apply the database schema", runMigrate},
	"settle":           {"run one battle settlement pass", runSettle},
	"merge":            {"merge a secondary user into a primary user", runMerge},
	"cleanup-dangling": {"delete users left without an account", runCleanup},
	"seed-user":        {"register a funded user and print its token", runSeedUser},
	"verify-ledger":    {"re-walk a user's cash journal", runVerify},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := run(cmd, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "simtradectl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: simtradectl <command> [flags]")
	for name, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-18s %s\n", name, c.usage)
	}
}

func run(cmd command, name string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := app.Logger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := app.OpenStore(ctx, cfg, name == "migrate", logger)
	if err != nil {
		return err
	}
	defer storage.Store.Close()
	e := &env{cfg: cfg, log: logger.With(zap.String("command", name)), storage: storage, ledger: ledger.NewService(logger)}
	return cmd.run(ctx, e, args)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runMigrate(_ context.Context, e *env, _ []string) error {
	if e.storage.Pool == nil {
		return errors.New("migrate needs STORE_DRIVER=postgres")
	}
	e.log.Info("schema applied")
	return nil
}

func runSettle(ctx context.Context, e *env, _ []string) error {
	snaps, err := app.LoadSnapshots(ctx, e.cfg)
	if err != nil {
		return err
	}
	rules, err := battle.LoadRules(e.cfg.BattleRulesFile)
	if err != nil {
		return err
	}
	engine, err := battle.NewEngine(e.storage.Store, e.ledger, snaps, battle.Options{
		Enabled: e.cfg.BattleEnabled,
		Rules:   rules,
		Workers: e.cfg.BattleSettleWorkers,
		Log:     e.log,
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	stats, err := engine.SettleExpired(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runMerge(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	primary := fs.String("primary", "", "user id that survives")
	secondary := fs.String("secondary", "", "user id folded into primary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *primary == "" || *secondary == "" {
		return errors.New("-primary and -secondary are required")
	}
	sum, err := merge.NewService(e.storage.Store, nil, nil, e.log).Merge(ctx, *primary, *secondary)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

func runCleanup(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("cleanup-dangling", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "list the users without deleting them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var users []string
	err := e.storage.Store.InTx(ctx, func(tx store.Tx) error {
		list, err := tx.ListUsersWithoutAccount(ctx)
		if err != nil {
			return err
		}
		users = users[:0]
		for _, u := range list {
			users = append(users, u.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	deleted := 0
	for _, id := range users {
		if *dryRun {
			fmt.Println(id)
			continue
		}
		// one transaction per user so a single failure does not block the rest
		err := e.storage.Store.InTx(ctx, func(tx store.Tx) error { return tx.DeleteUser(ctx, id) })
		if err != nil {
			e.log.Error("delete dangling user", zap.String("user_id", id), zap.Error(err))
			continue
		}
		deleted++
	}
	e.log.Info("dangling users", zap.Int("found", len(users)), zap.Int("deleted", deleted), zap.Bool("dry_run", *dryRun))
	return nil
}

func runSeedUser(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("seed-user", flag.ContinueOnError)
	externalID := fs.String("external-id", "", "external identity to register")
	opening := fs.String("opening", e.cfg.OpeningBalanceCNY.String(), "opening CNY balance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amount, err := decimal.NewFromString(*opening)
	if err != nil || amount.IsNegative() {
		return fmt.Errorf("invalid -opening %q", *opening)
	}
	svc := auth.NewService(e.storage.Store, e.ledger, nil, e.cfg.JWTIssuer, []byte(e.cfg.JWTSecret), e.cfg.JWTTTL)
	svc.SetOpeningBalance(amount)
	svc.SetLogger(e.log)
	reg, err := svc.Register(ctx, *externalID)
	if err != nil {
		return err
	}
	return printJSON(reg)
}

func runVerify(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("verify-ledger", flag.ContinueOnError)
	userID := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}
	var rep ledger.Report
	err := e.storage.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rep, err = e.ledger.Verify(ctx, tx, *userID)
		return err
	})
	if err != nil {
		return err
	}
	if err := printJSON(rep); err != nil {
		return err
	}
	if !rep.OK {
		return errors.New("ledger verification failed")
	}
	return nil
}
