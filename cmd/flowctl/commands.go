package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// options are the flags shared by every command.
type options struct {
	server  string
	timeout time.Duration
	output  string
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func (o *options) json() bool { return o.output == "json" }

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Operate taskflow workflows",
		Long:          `flowctl submits workflow definitions to a taskflow service, follows their event logs, and cancels, resumes, replays or checks them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q (want text or json)", opts.output)
		},
	}

	server := os.Getenv("TASKFLOW_URL")
	if server == "" {
		server = "http://localhost:7070"
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "taskflow API address (env TASKFLOW_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newResumeCmd(opts),
		newCancelCmd(opts),
		newEventsCmd(opts),
		newReplayCmd(opts),
		newCheckCmd(opts),
	)
	return root
}

func newSubmitCmd(opts *options) *cobra.Command {
	var (
		file   string
		wait   bool
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "submit -f workflow.yaml",
		Short: "Start a workflow from a YAML or JSON definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			c := opts.client()
			resp, err := c.Execute(cmd.Context(), def, wait && !follow)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if follow {
				fmt.Fprintf(out, "workflow %s started\n", resp.WorkflowID)
				return followEvents(cmd.Context(), c, opts, out, resp.WorkflowID, 0)
			}
			if opts.json() {
				return writeJSON(out, resp)
			}
			fmt.Fprintf(out, "workflow %s %s\n", resp.WorkflowID, resp.Status)
			if resp.Execution != nil && resp.Execution.Reason != "" {
				fmt.Fprintf(out, "reason: %s\n", resp.Execution.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition file (- for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the workflow finishes")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream events until the workflow finishes")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readDefinition parses a workflow definition. YAML is a superset of JSON so
// both formats are accepted.
func readDefinition(path string, stdin io.Reader) (*types.WorkflowDefinition, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}

	var def types.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &def, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show the current state of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json() {
				return writeJSON(out, view)
			}
			printState(out, view.WorkflowExecution)
			if len(view.Blocked) > 0 {
				fmt.Fprintf(out, "blocked:   %s\n", strings.Join(view.Blocked, ", "))
			}
			return nil
		},
	}
}

func newResumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume ID",
		Short: "Continue an interrupted workflow from its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s %s\n", resp.WorkflowID, resp.Status)
			return nil
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the log")
	return cmd
}

func newEventsCmd(opts *options) *cobra.Command {
	var (
		from   int64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events ID",
		Short: "Print the event log of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()
			if follow {
				after := from - 1
				if after < 0 {
					after = 0
				}
				return followEvents(cmd.Context(), c, opts, out, args[0], after)
			}
			events, err := c.Events(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(out, events)
			}
			for _, evt := range events {
				printEvent(out, evt)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "first sequence to print")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "keep streaming until the workflow finishes")
	return cmd
}

func followEvents(ctx context.Context, c *client, opts *options, out io.Writer, id string, after int64) error {
	enc := json.NewEncoder(out)
	return c.Stream(ctx, id, after, func(evt *types.Event) error {
		if opts.json() {
			return enc.Encode(evt)
		}
		printEvent(out, evt)
		return nil
	})
}

func newReplayCmd(opts *options) *cobra.Command {
	var (
		at     int64
		verify bool
	)
	cmd := &cobra.Command{
		Use:   "replay ID",
		Short: "Rebuild workflow state from its log, optionally at a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Replay(cmd.Context(), args[0], at, verify)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json() {
				if err := writeJSON(out, resp); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "state at sequence %d\n", resp.At)
				printState(out, resp.State)
				if resp.Verified != nil {
					if *resp.Verified {
						fmt.Fprintln(out, "verify:    ok")
					} else {
						fmt.Fprintln(out, "verify:    MISMATCH")
						for _, m := range resp.Mismatches {
							fmt.Fprintf(out, "  %s\n", m)
						}
					}
				}
			}
			if resp.Verified != nil && !*resp.Verified {
				return errors.New("replay verification failed")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&at, "at", 0, "replay up to this sequence (0 = whole log)")
	cmd.Flags().BoolVar(&verify, "verify", false, "check that incremental and fresh replay agree at every prefix")
	return cmd
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check ID",
		Short: "Check a workflow log against the engine's invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json() {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else if res.OK {
				fmt.Fprintf(out, "workflow %s: ok\n", res.WorkflowID)
			} else {
				for _, v := range res.Violations {
					fmt.Fprintf(out, "seq %d [%s] %s\n", v.Sequence, v.Rule, v.Message)
				}
			}
			if !res.OK {
				return fmt.Errorf("%d invariant violation(s)", len(res.Violations))
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(w io.Writer, evt *types.Event) {
	task := evt.TaskID
	if evt.Attempt > 0 {
		task = fmt.Sprintf("%s#%d", task, evt.Attempt)
	}
	line := fmt.Sprintf("%4d  %s  %-22s  %s", evt.Sequence, evt.Timestamp.Format(time.RFC3339), evt.Type, task)
	if len(evt.Payload) > 0 && evt.Type != types.EventTypeWorkflowStarted {
		line += "  " + string(evt.Payload)
	}
	fmt.Fprintln(w, strings.TrimRight(line, " "))
}

func printState(w io.Writer, x *types.WorkflowExecution) {
	if x == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "workflow:\t%s\n", x.WorkflowID)
	fmt.Fprintf(tw, "status:\t%s\n", x.Status)
	if x.Reason != "" {
		fmt.Fprintf(tw, "reason:\t%s\n", x.Reason)
	}
	fmt.Fprintf(tw, "sequence:\t%d\n", x.LastSequence)
	fmt.Fprintf(tw, "completed:\t%s\n", strings.Join(x.CompletedIDs(), ", "))
	if failed := x.FailedIDs(); len(failed) > 0 {
		fmt.Fprintf(tw, "failed:\t%s\n", strings.Join(failed, ", "))
	}
	if len(x.Rejected) > 0 {
		ids := make([]string, 0, len(x.Rejected))
		for id, typ := range x.Rejected {
			ids = append(ids, fmt.Sprintf("%s (%s)", id, typ))
		}
		sort.Strings(ids)
		fmt.Fprintf(tw, "rejected:\t%s\n", strings.Join(ids, ", "))
	}
	if len(x.InFlight) > 0 {
		ids := make([]string, 0, len(x.InFlight))
		for id, n := range x.InFlight {
			ids = append(ids, fmt.Sprintf("%s#%d", id, n))
		}
		sort.Strings(ids)
		fmt.Fprintf(tw, "in flight:\t%s\n", strings.Join(ids, ", "))
	}
	tw.Flush()
}
