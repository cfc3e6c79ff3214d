package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/osprey-io/osprey/internal/config"
	"github.com/osprey-io/osprey/internal/memory"
	"github.com/osprey-io/osprey/internal/session"
)

var (
	memActor       string
	memSubject     string
	memTier        string
	memPurgeActor  string
	memPurgeBefore string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain the two-tier memory store",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a subject's memory facts",
	RunE:  memoryList,
}

var memoryExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run one long-term extraction pass now",
	RunE:  memoryExtract,
}

var memoryPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired facts from both tiers",
	Long: `Delete expired facts from both tiers.

With --actor and --before, additionally retire the actor's short-term facts
created before the given RFC 3339 time, ahead of their normal TTL. Long-term
facts are never touched.`,
	RunE: memoryPurge,
}

func init() {
	memoryListCmd.Flags().StringVar(&memActor, "actor", "", "actor ID whose namespace to query (default: the subject)")
	memoryListCmd.Flags().StringVar(&memSubject, "subject", "", "subject ID (required)")
	memoryListCmd.Flags().StringVar(&memTier, "tier", "", "tier filter: short_term, long_term, or empty for both")
	_ = memoryListCmd.MarkFlagRequired("subject")

	memoryPurgeCmd.Flags().StringVar(&memPurgeActor, "actor", "", "actor ID whose short-term facts to retire early")
	memoryPurgeCmd.Flags().StringVar(&memPurgeBefore, "before", "", "retire short-term facts created before this RFC 3339 time")

	memoryCmd.AddCommand(memoryListCmd, memoryExtractCmd, memoryPurgeCmd)
	rootCmd.AddCommand(memoryCmd)
}

func openMemoryStore() (*memory.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return memory.NewStore(cfg.MemoryDBPath(), cfg.ShortTermTTL, cfg.LongTermTTL)
}

func memoryList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	actorID := memActor
	if actorID == "" {
		actorID = memSubject
	}

	store, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	facts, err := store.Query(ctx, session.NamespaceFor(actorID), memSubject, memTier)
	if err != nil {
		return fmt.Errorf("querying memory: %w", err)
	}
	if len(facts) == 0 {
		fmt.Println("No memory facts found.")
		return nil
	}

	fmt.Printf("%-18s | %-10s | %-22s | %-40s | %s\n",
		"ID", "Tier", "Kind", "Fact", "Expires")
	fmt.Println(strings.Repeat("-", 120))
	for i := range facts {
		f := &facts[i]
		text := f.Text
		if len(text) > 40 {
			text = text[:37] + "..."
		}
		fmt.Printf("%-18s | %-10s | %-22s | %-40s | %s\n",
			f.ID, f.Tier, f.Kind, text, f.ExpiresAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func memoryExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	store, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	stats, err := memory.NewExtractor(store).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("running extraction: %w", err)
	}

	fmt.Printf("Extraction complete: %d namespaces scanned, %d facts promoted, %d duplicates skipped, %d expired facts purged.\n",
		stats.Namespaces, stats.Promoted, stats.Skipped, stats.Purged)
	return nil
}

func memoryPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if (memPurgeActor == "") != (memPurgeBefore == "") {
		return fmt.Errorf("--actor and --before must be given together")
	}
	var cutoff time.Time
	if memPurgeBefore != "" {
		var err error
		cutoff, err = time.Parse(time.RFC3339, memPurgeBefore)
		if err != nil {
			return fmt.Errorf("parsing --before: %w", err)
		}
	}

	store, err := openMemoryStore()
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	if memPurgeActor != "" {
		retired, err := store.ExpireShortTermBefore(ctx, session.NamespaceFor(memPurgeActor), cutoff)
		if err != nil {
			return fmt.Errorf("retiring short-term facts: %w", err)
		}
		fmt.Printf("Retired %d short-term facts for actor %s.\n", retired, memPurgeActor)
	}

	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purging memory: %w", err)
	}
	fmt.Printf("Purged %d expired facts.\n", purged)
	return nil
}
