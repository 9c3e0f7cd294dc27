package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-streamdash/query"
	"github.com/goliatone/go-streamdash/streams"
)

func listCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List all streams",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.container(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			list, err := c.Dashboard().List(cmd.Context())
			if err != nil {
				return err
			}
			printList(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func describeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <stream>",
		Short: "Show stream metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.container(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			desc, err := c.Dashboard().Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printDescription(cmd.OutOrStdout(), desc)
			return nil
		},
	}
}

func messagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <stream>",
		Short: "Show the oldest retained records of every shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.container(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			msgs, err := c.Dashboard().Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMessages(cmd.OutOrStdout(), msgs)
			return nil
		},
	}
}

func publishCmd(a *app) *cobra.Command {
	var (
		partitionKey string
		streamARN    string
	)

	cmd := &cobra.Command{
		Use:   "publish <stream> <data>",
		Short: "Put one record onto a stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.container(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Dashboard().Publish(cmd.Context(), args[0], streams.PublishInput{
				StreamARN:    streamARN,
				PartitionKey: partitionKey,
				Data:         args[1],
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published to %s: shard=%s sequence=%s partitionKey=%s\n",
				args[0], res.ShardID, res.SequenceNumber, res.PartitionKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&partitionKey, "partition-key", "", "Partition key (default: random UUID)")
	cmd.Flags().StringVar(&streamARN, "arn", "", "Stream ARN (default: resolved from the stream description)")
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <stream>...",
		Short:   "Delete one or more streams",
		Aliases: []string{"rm"},
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.container(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if len(args) == 1 {
				if _, err := c.Dashboard().Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stream '%s' deleted\n", args[0])
				return nil
			}

			res, err := c.Dashboard().DeleteStreams(cmd.Context(), args)
			printBulk(cmd.OutOrStdout(), args, res)
			return err
		},
	}
}

func deleteAllCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete every stream without --yes")
			}
			c, _, err := a.container(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			list, err := c.Dashboard().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list.Streams) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No streams")
				return nil
			}

			res, err := c.Dashboard().DeleteStreams(cmd.Context(), list.Streams)
			printBulk(cmd.OutOrStdout(), list.Streams, res)
			return err
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deleting every stream")
	return cmd
}

func printList(w io.Writer, list streams.List) {
	if len(list.Streams) == 0 {
		fmt.Fprintln(w, "No streams")
		return
	}
	for _, name := range list.Streams {
		fmt.Fprintln(w, name)
	}
	fmt.Fprintf(w, "%d stream(s)\n", list.Count)
}

func printDescription(w io.Writer, d streams.Description) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", d.StreamName)
	fmt.Fprintf(tw, "ARN:\t%s\n", d.StreamARN)
	fmt.Fprintf(tw, "Status:\t%s\n", d.Status)
	fmt.Fprintf(tw, "Retention:\t%dh\n", d.RetentionHours)
	fmt.Fprintf(tw, "Shards:\t%d\n", d.ShardCount)
	if d.EncryptionType != "" {
		fmt.Fprintf(tw, "Encryption:\t%s\n", d.EncryptionType)
	}
	tw.Flush()
}

func printMessages(w io.Writer, m streams.Messages) {
	if len(m.Records) == 0 {
		fmt.Fprintf(w, "No records across %d shard(s)\n", m.Shards)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tSEQUENCE\tPARTITION KEY\tARRIVED\tDATA")
	for _, r := range m.Records {
		arrived := "-"
		if r.ApproximateArrivalTimestamp != nil {
			arrived = r.ApproximateArrivalTimestamp.Format(time.DateTime)
		}
		seq := r.SequenceNumber
		if r.Pending {
			seq = "(pending)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ShardID, seq, r.PartitionKey, arrived, r.Data)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d record(s) from %d shard(s)\n", m.Count, m.Shards)
}

// printBulk reports one line per stream, in input order.
func printBulk(w io.Writer, names []string, res query.BulkResult) {
	for i, name := range names {
		if i < len(res.Errors) && res.Errors[i] != nil {
			fmt.Fprintf(w, "FAILED  %s: %v\n", name, res.Errors[i])
			continue
		}
		fmt.Fprintf(w, "deleted %s\n", name)
	}
	fmt.Fprintf(w, "%d of %d deleted\n", res.Succeeded, res.Total)
}
