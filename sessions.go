package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Jay-Karia/wherewasi-sub000/internal/analyzer"
	"github.com/Jay-Karia/wherewasi-sub000/internal/export"
	"github.com/Jay-Karia/wherewasi-sub000/internal/firefox"
	"github.com/Jay-Karia/wherewasi-sub000/internal/llm"
	"github.com/Jay-Karia/wherewasi-sub000/internal/sessionstore"
	"github.com/Jay-Karia/wherewasi-sub000/internal/storage"
	"github.com/Jay-Karia/wherewasi-sub000/internal/summarize"
	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

const shortIDLen = 8

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List sessions, most recently updated first",
	Args:    cobra.NoArgs,
	RunE:    runSessions,
}

var showRaw bool

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session's tabs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all sessions as JSON or markdown",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge sessions from an exported JSON file",
	Long: `Merge sessions by id. A stored session is replaced only when the
imported copy has a newer updatedAt. Entries without an id are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var renameSummary bool

var renameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Set a session's title (or its summary with --summary)",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRename,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var moveCmd = &cobra.Command{
	Use:   "move <from-id> <tab-index> <to-id>",
	Short: "Move a tab to the end of another session",
	Args:  cobra.ExactArgs(3),
	RunE:  runMove,
}

var removeTabsCmd = &cobra.Command{
	Use:   "remove-tabs <id> <tab-index>...",
	Short: "Remove tabs from a session by position",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRemoveTabs,
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe <id>",
	Short: "Drop repeated pages from a session, keeping the latest copy",
	Args:  cobra.ExactArgs(1),
	RunE:  runDedupe,
}

var overflowCmd = &cobra.Command{
	Use:   "overflow",
	Short: "List closed tabs that could not be assigned",
	Args:  cobra.NoArgs,
	RunE:  runOverflow,
}

var (
	historySession string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tab assignments and why they were made",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <id>",
	Short: "Regenerate a session's title and summary now",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefresh,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List Firefox profiles usable for seeding",
	Args:  cobra.NoArgs,
	RunE:  runProfiles,
}

func init() {
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "print markdown without rendering")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or markdown")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file path (default: stdout)")
	renameCmd.Flags().BoolVar(&renameSummary, "summary", false, "set the summary instead of the title")
	historyCmd.Flags().StringVar(&historySession, "session", "", "only this session")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows")

	sessionsCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sessionsCmd, exportCmd, importCmd, renameCmd, deleteCmd, moveCmd,
		removeTabsCmd, dedupeCmd, overflowCmd, historyCmd, refreshCmd, profilesCmd)
}

// withStore runs fn against the session store and closes the database after.
func withStore(fn func(ctx context.Context, store *sessionstore.Store) error) error {
	db, _, store, err := openStore(nil)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), store)
}

func runSessions(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		sessions, err := store.GetAll(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions yet.")
			return nil
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%-*s  %-40s  %5s  %s", shortIDLen, "ID", "TITLE", "TABS", "UPDATED")))
		for _, s := range sessions {
			fmt.Printf("%s  %-40s  %5d  %s\n",
				idStyle.Render(shortID(s.ID)),
				clip(s.Title, 40),
				s.TabsCount,
				dimStyle.Render(humanize.Time(s.UpdatedAt)),
			)
		}
		return nil
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		id, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		sess, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		md := export.SessionMarkdown(sess, time.Now())
		if showRaw {
			fmt.Print(md)
			return nil
		}
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return err
		}
		out, err := r.Render(md)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		sessions, err := store.GetAll(ctx)
		if err != nil {
			return err
		}
		var output string
		switch exportFormat {
		case "json":
			if output, err = export.JSON(sessions); err != nil {
				return fmt.Errorf("generate JSON: %w", err)
			}
		case "markdown", "md":
			output = export.Markdown(sessions, time.Now())
		default:
			return fmt.Errorf("unknown format %q (want json or markdown)", exportFormat)
		}

		if exportOut == "" {
			fmt.Print(output)
			return nil
		}
		if err := os.WriteFile(exportOut, []byte(output), 0o644); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d sessions to %s\n", len(sessions), exportOut)
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	sessions, invalid, err := export.ParseSessions(data)
	if err != nil {
		return err
	}
	for _, e := range invalid {
		fmt.Fprintf(os.Stderr, "Skipping %v\n", e)
	}
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		stats, err := store.ImportMerge(ctx, sessions)
		if err != nil {
			return err
		}
		fmt.Printf("Imported: %d added, %d updated, %d skipped\n", stats.Added, stats.Updated, stats.Skipped+len(invalid))
		return nil
	})
}

func runRename(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[1:], " ")
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		id, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		if renameSummary {
			return store.UpdateSummary(ctx, id, text)
		}
		return store.UpdateTitle(ctx, id, text)
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		id, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		if err := store.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", shortID(id))
		return nil
	})
}

func runMove(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid tab index %q", args[1])
	}
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		src, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		dst, err := resolveID(ctx, store, args[2])
		if err != nil {
			return err
		}
		return store.MoveTab(ctx, src, dst, index)
	})
}

func runRemoveTabs(cmd *cobra.Command, args []string) error {
	indices := make([]int, 0, len(args)-1)
	for _, a := range args[1:] {
		i, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid tab index %q", a)
		}
		indices = append(indices, i)
	}
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		id, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		return store.RemoveTabs(ctx, id, indices)
	})
}

func runDedupe(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		id, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		removed, err := store.RemoveTabsFunc(ctx, id, analyzer.RedundantTabs)
		if err != nil {
			return err
		}
		if removed == 0 {
			fmt.Println("No duplicates.")
			return nil
		}
		fmt.Printf("Removed %d duplicate tabs from %s\n", removed, shortID(id))
		return nil
	})
}

func runOverflow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		closed, err := store.Overflow(ctx)
		if err != nil {
			return err
		}
		if len(closed) == 0 {
			fmt.Println("Overflow queue is empty.")
			return nil
		}
		for _, rec := range closed {
			fmt.Printf("%s  %s\n", dimStyle.Render(humanize.Time(rec.ClosedAt)), tabLabel(rec))
		}
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	db, _, store, err := openStore(nil)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	session := historySession
	if session != "" {
		if session, err = resolveID(ctx, store, session); err != nil {
			return err
		}
	}
	rows, err := storage.ListAssignments(ctx, db, session, historyLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No assignments recorded.")
		return nil
	}
	for _, a := range rows {
		verb := "joined"
		if a.Created {
			verb = "started"
		}
		fmt.Printf("%s  %s %s  %s  %s\n",
			dimStyle.Render(humanize.Time(a.AssignedAt)),
			verb,
			idStyle.Render(shortID(a.SessionID)),
			dimStyle.Render("("+a.Reason+")"),
			a.URL,
		)
	}
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store *sessionstore.Store) error {
		id, err := resolveID(ctx, store, args[0])
		if err != nil {
			return err
		}
		refreshCfg := summarize.Config{Model: cfg.AI.Model, Timeout: cfg.AI.TitleTimeout}
		if cfg.FetchContent {
			refreshCfg.Fetcher = summarize.NewFetcher(10 * time.Second)
		}
		r := summarize.NewRefresher(llm.NewOllama(cfg.AI.OllamaHost), store, refreshCfg)
		if err := r.Refresh(ctx, id); err != nil {
			return err
		}
		sess, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(headerStyle.Render(sess.Title))
		if sess.Summary != "" {
			fmt.Println(sess.Summary)
		}
		return nil
	})
}

func runProfiles(cmd *cobra.Command, args []string) error {
	profiles, err := firefox.DiscoverProfiles()
	if err != nil {
		return fmt.Errorf("discover Firefox profiles: %w", err)
	}
	if len(profiles) == 0 {
		return fmt.Errorf("no Firefox profiles with a session file found")
	}
	for _, p := range profiles {
		suffix := ""
		if p.IsDefault {
			suffix = " [default]"
		}
		fmt.Printf("%s %s%s\n", p.Name, dimStyle.Render("("+p.Path+")"), suffix)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return fmt.Sprintf("%-*s", shortIDLen, id)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func tabLabel(rec types.ClosedTabRecord) string {
	if rec.Title == "" {
		return rec.URL
	}
	return rec.Title + " " + dimStyle.Render(rec.URL)
}
