package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/musebatch/internal/queue"
)

// EnqueueResult is the enqueue command's JSON payload.
type EnqueueResult struct {
	BatchID          string       `json:"batch_id"`
	Status           queue.Status `json:"status"`
	EstimatedSeconds float64      `json:"estimated_seconds"`
	Images           int          `json:"images"`
}

func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		command     string
		project     string
		params      string
		sets        []string
		fullCommand string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append a pending batch to the queue",
		Long: `Append a pending batch. Parameters come from --params (a JSON object, or
@file to read one) and are then overridden by each --set key=value. A --set
value that parses as JSON is stored as JSON, otherwise as a string.`,
		Example: `  musebatch enqueue --command explore_styles --project harbour --set dream_count=4
  musebatch enqueue --command refine_styles --project harbour --params @refine.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			raw, err := buildParameters(params, sets)
			if err != nil {
				return WrapExitError(ExitCommandError, "parameters", err)
			}
			if fullCommand == "" {
				fullCommand = strings.Join(os.Args, " ")
			}

			store := a.store()
			id, err := store.Enqueue(cmd.Context(), queue.EnqueueRequest{
				Command:     command,
				Project:     project,
				Parameters:  raw,
				FullCommand: fullCommand,
			})
			if err != nil {
				return queueExitError("enqueue", err)
			}
			b, err := store.Get(cmd.Context(), id)
			if err != nil {
				return queueExitError("enqueue", err)
			}

			res := EnqueueResult{
				BatchID:          id,
				Status:           b.Status,
				EstimatedSeconds: b.EstimatedDuration,
				Images:           store.Estimator().ImageCount(b.Command, b.Parameters),
			}
			return a.out.Result(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Enqueued %s\n  estimated: %s  images: ~%d\n",
					res.BatchID, queue.FormatDuration(res.EstimatedSeconds), res.Images)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "batch command (explore_styles|explore_narrative|refine_styles)")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project name")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object, or @file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "parameter override key=value (repeatable)")
	cmd.Flags().StringVar(&fullCommand, "full-command", "", "invocation recorded on the batch (default: this command line)")
	_ = cmd.MarkFlagRequired("command")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// buildParameters merges --params and --set into one JSON object. It
// returns nil when there are no parameters at all.
func buildParameters(raw string, sets []string) (json.RawMessage, error) {
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		raw = string(data)
	}

	var obj map[string]any
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	if obj == nil {
		obj = map[string]any{}
	}

	for _, kv := range sets {
		key, val, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: want key=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(val), &v); err != nil {
			v = val
		}
		obj[key] = v
	}

	if len(obj) == 0 {
		return nil, nil
	}
	return json.Marshal(obj)
}

// StatusResult is the status command's JSON payload.
type StatusResult struct {
	queue.Summary
	Live *queue.LiveCounts `json:"live,omitempty"`
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, estimates and active batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			store := a.store()
			sum, err := store.Status(cmd.Context())
			if err != nil {
				return queueExitError("status", err)
			}

			res := StatusResult{Summary: sum}
			if live && sum.ProcessingImages > 0 {
				res.Live = a.liveCounts(cmd)
			}
			return a.out.Result(res, func(w io.Writer) error {
				return queue.WriteReport(w, sum, store.Estimator(), res.Live)
			})
		},
	}

	cmd.Flags().BoolVar(&live, "live", true, "ask the engine for its queue depth while images render")
	return cmd
}

// liveCounts returns nil when the engine does not answer.
func (a *app) liveCounts(cmd *cobra.Command) *queue.LiveCounts {
	client := a.engineClient()
	if !client.Probe(cmd.Context(), a.cfg.Engine.ProbeTimeout) {
		a.out.VerboseLog("engine not reachable at %s", client.BaseURL())
		return nil
	}
	q, err := client.Queue(cmd.Context())
	if err != nil {
		a.logger.Debug("engine queue read failed", "error", err)
		return nil
	}
	return &queue.LiveCounts{Running: len(q.Running), Pending: len(q.Pending)}
}

func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <batch-id>",
		Short: "Remove one batch from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			id := args[0]
			removed, err := a.store().Remove(cmd.Context(), id)
			if err != nil {
				return queueExitError("remove", err)
			}
			if !removed {
				return NewExitError(ExitFailure, "batch not found: "+id)
			}
			return a.out.Result(map[string]any{"batch_id": id, "removed": true}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Removed %s\n", id)
				return err
			})
		},
	}
}

func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every batch, or only those with --status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *queue.Status
			if status != "" {
				st, err := queue.ParseStatus(status)
				if err != nil {
					return WrapExitError(ExitCommandError, "clear", err)
				}
				filter = &st
			}

			a, err := loadApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			n, err := a.store().Clear(cmd.Context(), filter)
			if err != nil {
				return queueExitError("clear", err)
			}

			label := "all"
			if filter != nil {
				label = string(*filter)
			}
			return a.out.Result(map[string]any{"removed": n, "filter": label}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Removed %d batch(es) (%s)\n", n, label)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only remove batches with this status")
	return cmd
}
