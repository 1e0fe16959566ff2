package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/config"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/scoring"
	"github.com/Jay-Karia/wherewasi-sub000/internal/sessionstore"
	"github.com/Jay-Karia/wherewasi-sub000/internal/storage"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "wherewasi",
	Short: "Group closed browser tabs into topical sessions",
	Long: `wherewasi watches the tabs you close and files each one into a session
of related tabs, so you can find your way back to what you were doing.

Run "wherewasi serve" next to the browser extension. The other commands
read and edit the stored sessions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		if err := applog.Init(cfg.LogDir, cfg.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not open log file: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		applog.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath(), "config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the database and the session store over it. m may be nil.
func openStore(m *metrics.Metrics) (*sql.DB, *storage.SQLiteKV, *sessionstore.Store, error) {
	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	kv := storage.NewSQLiteKV(db)
	store := sessionstore.New(kv, sessionstore.Options{
		MaxSessions:     cfg.Store.MaxSessions,
		ClosedTabsLimit: cfg.Store.ClosedTabsLimit,
		Metrics:         m,
	})
	return db, kv, store, nil
}

func scoringParams(c *config.Config) scoring.Params {
	return scoring.Params{
		TimeWeight:    c.Scoring.TimeWeight,
		DomainWeight:  c.Scoring.DomainWeight,
		KeywordWeight: c.Scoring.KeywordWeight,
		MinScore:      c.Scoring.MinScore,
		NearTieRatio:  c.Scoring.NearTieRatio,
	}
}

// resolveID accepts a full session id or a unique prefix of one, as printed
// by "sessions".
func resolveID(ctx context.Context, store *sessionstore.Store, arg string) (string, error) {
	sessions, err := store.GetAll(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range sessions {
		if s.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", &types.NotFoundError{Kind: "session", ID: arg}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", arg, len(matches))
	}
}
