package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/osprey-io/osprey/internal/event"
	"github.com/osprey-io/osprey/internal/session"
)

var (
	runEventFile   string
	runFixtures    string
	runActor       string
	runSession     string
	runSubject     string
	runAmount      float64
	runPlace       string
	runCounterpart string
	runTimestamp   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate one transaction event and print the verdict",
	Long: `Evaluate a single transaction event against the triage core.

The event comes from --event (a JSON file, "-" for stdin) or is assembled
from --subject/--amount/--place flags. The verdict is printed to stdout as
JSON; logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "run")
		defer span.End()

		application, cleanup, err := buildApp(ctx, runFixtures)
		if err != nil {
			return err
		}
		defer cleanup()

		ev, err := resolveEvent()
		if err != nil {
			return err
		}

		actorID := runActor
		if actorID == "" {
			actorID = ev.SubjectID
		}
		sess := session.New(actorID, runSession, time.Now().UTC())
		ctx = session.Into(ctx, sess)

		verdict, err := application.engine.Evaluate(ctx, ev)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(verdict, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding verdict: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

// resolveEvent builds the event from the file flag or the field flags.
func resolveEvent() (*event.Event, error) {
	if runEventFile != "" {
		var data []byte
		var err error
		if runEventFile == "-" {
			data, err = os.ReadFile("/dev/stdin")
		} else {
			data, err = os.ReadFile(runEventFile)
		}
		if err != nil {
			return nil, fmt.Errorf("reading event file: %w", err)
		}
		return event.Parse(data)
	}

	if runSubject == "" {
		return nil, fmt.Errorf("either --event or --subject is required")
	}
	ts := time.Now().UTC()
	if runTimestamp != "" {
		parsed, err := time.Parse(time.RFC3339, runTimestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing --timestamp: %w", err)
		}
		ts = parsed
	}
	ev := &event.Event{
		SubjectID:      runSubject,
		Timestamp:      ts,
		Amount:         runAmount,
		Currency:       "USD",
		Location:       event.Location{Place: runPlace},
		CounterpartyID: runCounterpart,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return event.Parse(data)
}

func init() {
	runCmd.Flags().StringVar(&runEventFile, "event", "", "event JSON file (\"-\" for stdin)")
	runCmd.Flags().StringVar(&runFixtures, "fixtures", "", "subject/counterparty fixture YAML (default: built-in demo data)")
	runCmd.Flags().StringVar(&runActor, "actor", "", "actor ID for memory namespacing (default: the event's subject)")
	runCmd.Flags().StringVar(&runSession, "session", "", "session ID to continue (default: fresh session)")
	runCmd.Flags().StringVar(&runSubject, "subject", "", "subject ID (when not using --event)")
	runCmd.Flags().Float64Var(&runAmount, "amount", 0, "transaction amount")
	runCmd.Flags().StringVar(&runPlace, "place", "", "transaction place name (e.g. \"Tokyo\")")
	runCmd.Flags().StringVar(&runCounterpart, "counterparty", "", "counterparty ID")
	runCmd.Flags().StringVar(&runTimestamp, "timestamp", "", "event timestamp, RFC 3339 (default: now)")

	rootCmd.AddCommand(runCmd)
}
