package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Jay-Karia/wherewasi-sub000/internal/applog"
	"github.com/Jay-Karia/wherewasi-sub000/internal/bridge"
	"github.com/Jay-Karia/wherewasi-sub000/internal/firefox"
	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/metrics"
	"github.com/Jay-Karia/wherewasi-sub000/internal/pipeline"
	"github.com/Jay-Karia/wherewasi-sub000/internal/scoring"
	"github.com/Jay-Karia/wherewasi-sub000/internal/server"
	"github.com/Jay-Karia/wherewasi-sub000/internal/storage"
	"github.com/Jay-Karia/wherewasi-sub000/internal/summarize"
	"github.com/Jay-Karia/wherewasi-sub000/internal/tiebreak"
	"github.com/Jay-Karia/wherewasi-sub000/internal/tracker"
)

var (
	servePort     int
	serveProfile  string
	serveNoAI     bool
	serveBackfill bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon the browser extension connects to",
	Long: `Start the websocket bridge, the session API and the assignment pipeline.

The extension connects to ws://127.0.0.1:<port>/ws. Until it sends its first
snapshot, the tab table can be seeded from a Firefox profile with --profile.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "Firefox profile to seed open tabs from")
	serveCmd.Flags().BoolVar(&serveNoAI, "no-ai", false, "disable AI tie-breaks and title generation")
	serveCmd.Flags().BoolVar(&serveBackfill, "backfill", false, "assign the profile's recently closed tabs on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := cfg.Port
	if servePort != 0 {
		port = servePort
	}
	profile := cfg.Profile
	if serveProfile != "" {
		profile = serveProfile
	}

	m := metrics.New()
	db, kv, store, err := openStore(m)
	if err != nil {
		return err
	}
	defer db.Close()
	if sessions, err := store.GetAll(ctx); err == nil {
		m.SetSessions(len(sessions))
	}

	var (
		completer llm.Completer
		breaker   scoring.TieBreaker
	)
	if !serveNoAI {
		ollama := llm.NewOllama(cfg.AI.OllamaHost)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := ollama.Ping(pingCtx); err != nil {
			// Failures degrade to heuristics, so keep going.
			applog.Warn("serve.ollama.unavailable", "host", cfg.AI.OllamaHost, "error", err.Error())
			fmt.Fprintf(os.Stderr, "Warning: Ollama not reachable at %s; using heuristics until it is\n", cfg.AI.OllamaHost)
		}
		cancel()
		completer = ollama
		breaker = tiebreak.New(ollama, tiebreak.Options{
			Model:         cfg.AI.Model,
			Timeout:       cfg.AI.TiebreakTimeout,
			RatePerSecond: cfg.AI.RatePerSecond,
			CacheSize:     cfg.AI.CacheSize,
			Metrics:       m,
		})
	}

	refreshCfg := summarize.Config{Model: cfg.AI.Model, Timeout: cfg.AI.TitleTimeout}
	if cfg.FetchContent {
		refreshCfg.Fetcher = summarize.NewFetcher(10 * time.Second)
	}
	refresher := summarize.NewRefresher(completer, store, refreshCfg)

	srv := server.New(port, server.Options{
		API:     server.NewAPI(store, db),
		Metrics: m.Handler(),
	})

	engine := scoring.NewEngine(scoringParams(cfg), breaker)
	p := pipeline.New(store, engine, pipeline.Options{
		Workers: cfg.AssignWorkers,
		Metrics: m,
		OnAssigned: func(a pipeline.Assigned) {
			sessionID := a.Result.Session.ID
			err := storage.RecordAssignment(context.Background(), db, storage.Assignment{
				TabID:     a.Record.ID,
				URL:       a.Record.URL,
				SessionID: sessionID,
				Reason:    string(a.Reason),
				Created:   a.Result.Created,
			})
			if err != nil {
				applog.Error("serve.history", err, "session", sessionID)
			}
			refresher.Enqueue(sessionID)
			created := a.Result.Created
			if err := srv.Send(server.OutgoingMsg{
				Action:    server.ActionSessionAssigned,
				SessionID: sessionID,
				TabID:     a.Record.ID,
				Created:   &created,
			}); err != nil {
				applog.Error("serve.notify", err, "session", sessionID)
			}
		},
	})

	tr := tracker.New(p.Submit, m)
	if profile != "" {
		if err := seedFromFirefox(tr, p, profile, serveBackfill); err != nil {
			applog.Error("serve.seed", err, "profile", profile)
			fmt.Fprintf(os.Stderr, "Warning: could not seed tabs from profile %q: %v\n", profile, err)
		}
	}

	changes, unwatch := kv.Watch()
	defer unwatch()

	fmt.Fprintf(os.Stderr, "wherewasi listening on 127.0.0.1:%d\n", port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx, srv.Messages(), tr) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case c := <-changes:
				if err := srv.Send(server.OutgoingMsg{
					Action: server.ActionStorageChanged,
					Keys:   c.Keys,
					Area:   c.Area,
				}); err != nil {
					applog.Error("serve.broadcast", err)
				}
			}
		}
	})

	err = g.Wait()
	applog.Info("serve.stopped")
	return err
}

// seedFromFirefox fills the tab table from the profile's session file. With
// backfill, the profile's recently closed tabs are submitted for assignment.
func seedFromFirefox(tr *tracker.Tracker, p *pipeline.Pipeline, name string, backfill bool) error {
	profiles, err := firefox.DiscoverProfiles()
	if err != nil {
		return err
	}
	profile, err := firefox.SelectProfile(profiles, name)
	if err != nil {
		return err
	}
	snap, err := firefox.ReadSessionFile(profile.Path)
	if err != nil {
		return err
	}
	tr.Replace(snap.Tabs)
	applog.Info("serve.seeded", "profile", profile.Name, "tabs", len(snap.Tabs))

	if backfill {
		for _, rec := range snap.Closed {
			p.Submit(rec)
		}
		applog.Info("serve.backfill", "profile", profile.Name, "closed", len(snap.Closed))
	}
	return nil
}
