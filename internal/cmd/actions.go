package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/osprey-io/osprey/internal/config"
	"github.com/osprey-io/osprey/internal/ledger"
)

var (
	actionsSubject string
	actionsLimit   int
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List a subject's action ledger records",
	RunE:  actionsList,
}

func init() {
	actionsCmd.Flags().StringVar(&actionsSubject, "subject", "", "subject ID (required)")
	actionsCmd.Flags().IntVar(&actionsLimit, "limit", 50, "maximum records to show")
	_ = actionsCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(actionsCmd)
}

func actionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	records, err := store.List(ctx, actionsSubject, actionsLimit)
	if err != nil {
		return fmt.Errorf("listing actions: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No ledger records found.")
		return nil
	}

	fmt.Printf("%-18s | %-14s | %-8s | %-18s | %-16s | %s\n",
		"ID", "Action", "Status", "Ticket", "Created", "Applied")
	fmt.Println(strings.Repeat("-", 100))
	for i := range records {
		rec := &records[i]
		applied := "-"
		if rec.AppliedAt != nil {
			applied = rec.AppliedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-18s | %-14s | %-8s | %-18s | %-16s | %s\n",
			rec.ID, rec.ActionKind, rec.Status, rec.Ticket,
			rec.CreatedAt.Format("2006-01-02 15:04"), applied)
	}
	return nil
}
