package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/management"
	"github.com/busybox42/elemta-core/internal/spool"
)

type queueOperations struct {
	manager *management.Manager
	closer  io.Closer
}

// openQueues opens the configured queues for management from the command
// line. Entry locks are only visible to a running server when [lock] uses
// a shared store.
func openQueues() (*queueOperations, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	stores := spool.NewStores(cfg.Lock)
	main, err := stores.Open(spool.MainQueue, cfg.Spool)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to open main spool: %w", err)
	}
	outgoing, err := stores.Open(spool.OutgoingQueue, cfg.Outgoing)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to open outgoing spool: %w", err)
	}
	return &queueOperations{manager: management.New(main, outgoing), closer: stores}, nil
}

// queueOpener is replaced in tests.
var queueOpener = openQueues

func withQueues(fn func(qo *queueOperations, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		qo, err := queueOpener()
		if err != nil {
			return err
		}
		if qo.closer != nil {
			defer qo.closer.Close()
		}
		return fn(qo, cmd, args)
	}
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("state", "", "only entries in this state")
	cmd.Flags().String("header", "", "only entries carrying this header")
	cmd.Flags().String("value", "", "regular expression one value of --header must match")
}

func filterFlags(cmd *cobra.Command) management.Filter {
	state, _ := cmd.Flags().GetString("state")
	header, _ := cmd.Flags().GetString("header")
	value, _ := cmd.Flags().GetString("value")
	return management.Filter{State: state, Header: header, ValueRegex: value}
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the spool queues",
	}

	listCmd := &cobra.Command{
		Use:   "list [queue]",
		Short: "List queued entries",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withQueues((*queueOperations).listQueue),
	}
	addFilterFlags(listCmd)

	showCmd := &cobra.Command{
		Use:   "show <queue> <id>",
		Short: "Show one entry",
		Args:  cobra.ExactArgs(2),
		RunE:  withQueues((*queueOperations).showEntry),
	}
	showCmd.Flags().Bool("raw", false, "print the message as stored")

	removeCmd := &cobra.Command{
		Use:   "remove <queue> [id]",
		Short: "Remove entries",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withQueues((*queueOperations).removeEntries),
	}
	addFilterFlags(removeCmd)
	removeCmd.Flags().Bool("all", false, "allow removing every entry of the queue")

	requeueCmd := &cobra.Command{
		Use:   "requeue <queue> [id]",
		Short: "Retry entries in the error or ready state at once",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withQueues((*queueOperations).requeueEntries),
	}
	requeueCmd.Flags().String("target", "", "state to move entries to (default ready for outgoing, root otherwise)")

	queueCmd.AddCommand(listCmd, showCmd, removeCmd, requeueCmd)
	return queueCmd
}

func (qo *queueOperations) listQueue(cmd *cobra.Command, args []string) error {
	queues := qo.manager.Queues()
	if len(args) == 1 {
		queues = args
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Queue\tID\tFrom\tTo\tState\tAttempts\tLast Error")
	fmt.Fprintln(w, "-----\t--\t----\t--\t-----\t--------\t----------")

	total := 0
	for _, q := range queues {
		entries, err := qo.manager.List(q, filterFlags(cmd))
		if err != nil {
			return err
		}
		for _, e := range entries {
			state := e.State
			if e.Locked {
				state += "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				q,
				e.ID,
				orNull(e.Sender),
				strings.Join(e.Recipients, ","),
				state,
				e.Attempts,
				e.LastError,
			)
		}
		total += len(entries)
	}
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No messages in queue")
		return nil
	}
	return w.Flush()
}

func orNull(sender string) string {
	if sender == "" {
		return "<>"
	}
	return sender
}

func (qo *queueOperations) showEntry(cmd *cobra.Command, args []string) error {
	m, err := qo.manager.Get(args[0], args[1])
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetBool("raw"); raw {
		_, err := cmd.OutOrStdout().Write(m.Body)
		return err
	}

	summary := *m
	summary.Body = nil
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func (qo *queueOperations) removeEntries(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) == 2 {
		key = args[1]
	}
	f := filterFlags(cmd)
	if all, _ := cmd.Flags().GetBool("all"); key == "" && f == (management.Filter{}) && !all {
		return errors.New("refusing to remove every entry without --all")
	}

	n, err := qo.manager.Remove(args[0], key, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d message(s) from %s\n", n, args[0])
	return nil
}

func (qo *queueOperations) requeueEntries(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) == 2 {
		key = args[1]
	}
	target, _ := cmd.Flags().GetString("target")

	n, err := qo.manager.RequeueErrored(args[0], key, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d message(s) in %s\n", n, args[0])
	return nil
}
