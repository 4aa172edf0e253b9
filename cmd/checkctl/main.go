// Package main implements the checkctl CLI for driving a checklistd server.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/client"
	"github.com/fyrsmithlabs/checklistd/internal/monitor"
)

var (
	// serverURL is the base URL for the checklistd HTTP server
	serverURL string
	// jsonOutput prints raw API responses instead of rendered views
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "checkctl",
	Short: "CLI for checklistd server operations",
	Long: `checkctl is a command-line interface for the checklistd control API.
It starts and ends sessions, feeds transcript text, moves the active stage,
toggles items by hand and shows live checklist progress.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "checklistd server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	transcriptCmd.Flags().Bool("lines", false, "send each input line as its own chunk")
	stageCmd.Flags().Bool("clear", false, "clear the active stage")
	watchCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	cardCmd.Flags().Bool("clear", false, "clear the field so extraction may fill it again")

	rootCmd.AddCommand(
		healthCmd,
		startCmd,
		endCmd,
		stateCmd,
		watchCmd,
		transcriptCmd,
		stageCmd,
		evaluationCmd,
		toggleCmd,
		cardCmd,
		cycleCmd,
		decisionsCmd,
		configureCmd,
		validateCmd,
	)
}

func newClient() *client.Client {
	return client.New(serverURL)
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check checklistd server health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := newClient().Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", serverURL, err)
		}
		if jsonOutput {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
		fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", serverURL)
		if resp.Session != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\n", resp.Session)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session, ending any running one",
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, err := newClient().StartSession(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, snap)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s started (%d items, stage %s)\n", snap.SessionID, snap.Total, snap.ActiveStage)
		return nil
	},
}

var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End the running session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := newClient().EndSession(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session ended")
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show checklist progress of the running session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newClient()
		snap, err := c.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, snap)
		}
		decisions, err := c.Decisions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), monitor.Render(snap, decisions))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live board of the running session",
	Long: `Open a full-screen board that polls the running session.

Keys:
  q  quit
  r  refresh now
  e  toggle automatic evaluation
  c  force one evaluation cycle`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}
		_, err = monitor.NewProgram(newClient(), serverURL, interval).Run()
		return err
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript [text...]",
	Short: "Append transcript text to the running session",
	Long: `Append transcript text to the running session's window.

Examples:
  # Append a phrase
  checkctl transcript "Budi sekarang umurnya berapa tahun?"

  # Stream a recorded transcript line by line
  cat call.txt | checkctl transcript --lines -`,
	RunE: runTranscript,
}

func runTranscript(cmd *cobra.Command, args []string) error {
	c := newClient()
	ctx := cmd.Context()

	if len(args) > 0 && args[0] != "-" {
		words, err := c.AppendTranscript(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Window: %d words\n", words)
		return nil
	}

	lines, err := cmd.Flags().GetBool("lines")
	if err != nil {
		return err
	}
	if !lines {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		words, err := c.AppendTranscript(ctx, string(data))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Window: %d words\n", words)
		return nil
	}

	var words, sent int
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if words, err = c.AppendTranscript(ctx, line); err != nil {
			return fmt.Errorf("line %d: %w", sent+1, err)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read from stdin: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d lines, window: %d words\n", sent, words)
	return nil
}

var stageCmd = &cobra.Command{
	Use:   "stage [stage-id]",
	Short: "Set the active stage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearStage, err := cmd.Flags().GetBool("clear")
		if err != nil {
			return err
		}
		if !clearStage && len(args) == 0 {
			return errors.New("stage id required (or --clear)")
		}
		var id string
		if !clearStage {
			id = args[0]
		}
		snap, err := newClient().SetStage(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, snap)
		}
		if snap.ActiveStage == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Active stage cleared")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active stage: %s\n", snap.ActiveStage)
		return nil
	},
}

var evaluationCmd = &cobra.Command{
	Use:       "evaluation on|off",
	Short:     "Turn automatic evaluation on or off",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newClient().SetEvaluation(cmd.Context(), args[0] == "on")
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, snap)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Evaluation enabled: %t\n", snap.Enabled)
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <item-id>",
	Short: "Flip an item's completion by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Toggle(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, resp)
		}
		state := "incomplete"
		if resp.Completed {
			state = "complete"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.ItemID, state)
		return nil
	},
}

var cardCmd = &cobra.Command{
	Use:   "card [field-id [value...]]",
	Short: "Show the client card or set one of its fields",
	Long: `Without arguments, print the running session's client card.
With a field id and a value, set that field by hand. Manual values are
never overwritten by extraction; use --clear to hand the field back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		if len(args) == 0 {
			card, err := c.ClientCard(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, card)
			}
			for _, f := range card {
				value := "-"
				if f.Filled() {
					value = fmt.Sprintf("%s (%s)", f.Value, f.Source)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", f.Label, value)
			}
			return nil
		}

		clearField, _ := cmd.Flags().GetBool("clear")
		value := strings.Join(args[1:], " ")
		if !clearField && strings.TrimSpace(value) == "" {
			return errors.New("a value or --clear is required")
		}
		if clearField {
			value = ""
		}
		resp, err := c.SetCardField(cmd.Context(), args[0], value)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, resp)
		}
		if !resp.Filled() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s cleared\n", resp.FieldID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.FieldID, resp.Value)
		return nil
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Force one evaluation cycle now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := newClient().RunCycle(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, report)
		}
		if report.Skipped {
			fmt.Fprintln(cmd.OutOrStdout(), "Cycle skipped (evaluation disabled or no active stage)")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Evaluated %d items in %s, completed: %s\n",
			report.Evaluated, report.Duration.Round(time.Millisecond), strings.Join(report.Completed, ", "))
		if len(report.CardFields) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Client card filled: %s\n", strings.Join(report.CardFields, ", "))
		}
		if report.SuggestedStage != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Suggested stage: %s\n", report.SuggestedStage)
		}
		return nil
	},
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent rejected evaluations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		decisions, err := newClient().Decisions(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, decisions)
		}
		if len(decisions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No rejections")
			return nil
		}
		for _, d := range decisions {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-24s %-28s %.2f\n", d.At.Format("15:04:05"), d.ItemID, d.Label, d.Confidence)
		}
		return nil
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure <checklist.yaml>",
	Short: "Replace the server's call structure",
	Long: `Validate a call-structure file locally, then send it to the server.
The running session keeps completed items that still exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadStructure(args[0])
		if err != nil {
			return err
		}
		snap, err := newClient().ReplaceConfiguration(cmd.Context(), s.Stages())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, snap)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration replaced: %d stages, %d items\n", len(s.Stages()), len(s.ItemIDs()))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <checklist.yaml>",
	Short: "Validate a call-structure file without a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadStructure(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, %d items\n", args[0], len(s.Stages()), len(s.ItemIDs()))
		return nil
	},
}

// loadStructure loads path and lists every problem when it is invalid.
func loadStructure(path string) (*checklist.Structure, error) {
	s, err := checklist.Load(path)
	var invalid *checklist.InvalidError
	if errors.As(err, &invalid) {
		return nil, fmt.Errorf("%s is invalid:\n  %s", path, strings.Join(invalid.Problems, "\n  "))
	}
	return s, err
}
