package app

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

const adminTokenEnv = "LEASEQUEUE_ADMIN_TOKEN"

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("admin", defaultAdminEndpoint, "admin API endpoint")
	cmd.Flags().String("token", "", "admin bearer token (default $"+adminTokenEnv+")")
}

func clientFromFlags(cmd *cobra.Command) (*adminClient, error) {
	endpoint, _ := cmd.Flags().GetString("admin")
	token, _ := cmd.Flags().GetString("token")
	if strings.TrimSpace(token) == "" {
		token = os.Getenv(adminTokenEnv)
	}
	return newAdminClient(endpoint, token)
}

func addEnqueueFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("delay", 0, "delay before the messages become visible")
	cmd.Flags().Int("priority", 0, "message priority (lower is claimed first; default 1)")
}

func enqueueBodyFromFlags(cmd *cobra.Command, payloads []string) (enqueueBody, error) {
	delay, _ := cmd.Flags().GetDuration("delay")
	priority, _ := cmd.Flags().GetInt("priority")
	if delay < 0 {
		return enqueueBody{}, fmt.Errorf("--delay must not be negative")
	}
	body := enqueueBody{
		Payloads: parsePayloadArgs(payloads),
		Priority: priority,
	}
	if delay > 0 {
		body.Delay = delay.String()
	}
	return body, nil
}

func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue QUEUE PAYLOAD...",
		Short: "Enqueue payloads on a running queue",
		Long:  "Each PAYLOAD is sent as JSON when it parses as JSON and as a JSON string otherwise.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			body, err := enqueueBodyFromFlags(cmd, args[1:])
			if err != nil {
				return err
			}
			ids, err := c.enqueue(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	addEnqueueFlags(cmd)
	return cmd
}

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish TOPIC PAYLOAD...",
		Short: "Publish payloads to every queue bound to a channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			body, err := enqueueBodyFromFlags(cmd, args[1:])
			if err != nil {
				return err
			}
			results, err := c.publish(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no queues bound to", args[0])
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Queue, strings.Join(r.IDs, ","))
			}
			return nil
		},
	}
	addClientFlags(cmd)
	addEnqueueFlags(cmd)
	return cmd
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [QUEUE]",
		Short: "Show message counts for one or all queues",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tTOTAL\tWAITING\tIN_FLIGHT\tDONE")
			if len(args) == 1 {
				st, err := c.stats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", args[0], st.Total, st.Waiting, st.InFlight, st.Done)
				return tw.Flush()
			}
			summaries, err := c.queues(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range summaries {
				if s.Stats == nil {
					fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", s.Name)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Name, s.Stats.Total, s.Stats.Waiting, s.Stats.InFlight, s.Stats.Done)
			}
			return tw.Flush()
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean QUEUE",
		Short: "Remove completed messages from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			n, err := c.clean(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d done messages from %s\n", n, args[0])
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}
