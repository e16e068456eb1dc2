package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/clippedset/internal/client"
	"github.com/dharsanguruparan/clippedset/internal/events"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/signing"
)

func newAPIClient(cmd *cobra.Command, opts ...client.Option) (*client.Client, error) {
	if apiToken == "" {
		return nil, errors.New("a bearer token is required (--token or CLIPPEDSET_TOKEN)")
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.Options{Level: "info", Format: "text"})
	return client.New(apiURL, apiToken, logger, opts...), nil
}

func newUploadCmd() *cobra.Command {
	var (
		wait        bool
		interval    time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a set, start detection and optionally wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var opts []client.Option
			if secret := os.Getenv("CLIPPEDSET_TRIGGER_SECRET"); secret != "" {
				opts = append(opts, client.WithTriggerSigner(signing.NewSigner([]byte(secret))))
			}
			c, err := newAPIClient(cmd, opts...)
			if err != nil {
				return err
			}
			u, err := c.UploadFile(ctx, args[0])
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), u)
			}
			d, err := c.WaitForResult(ctx, u.ID, client.PollOptions{Interval: interval, MaxAttempts: maxAttempts})
			if errors.Is(err, client.ErrPollTimeout) {
				fmt.Fprintf(cmd.ErrOrStderr(), "upload %s has not finished; check again with 'clippedset status %s'\n", u.ID, u.ID)
				if d == nil {
					return nil
				}
				return printJSON(cmd.OutOrStdout(), d)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "Poll until detection finishes")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Delay between polls")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 120, "Polls before giving up")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <upload-id>",
		Short: "Show an upload with its jobs, cuts and download links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			d, err := c.GetUpload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your uploads, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			uploads, err := c.ListUploads(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, u := range uploads {
				fmt.Fprintf(w, "%s\t%-10s\t%s\t%s\n", u.ID, u.Status, u.CreatedAt.Format(time.RFC3339), u.Filename)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var (
		natsURL  string
		uploadID string
	)
	cmd := &cobra.Command{
		Use:   "watch <user-id>",
		Short: "Stream job events for a user's uploads from NATS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.Options{Level: "info", Format: "text"})
			nc, err := events.Connect(natsURL, logger)
			if err != nil {
				return err
			}
			defer nc.Close()

			out := cmd.OutOrStdout()
			sub, err := events.Subscribe(nc, args[0], uploadID, logger, func(ev events.JobEvent) {
				fmt.Fprintf(out, "%s\t%s\tupload=%s job=%s status=%s\n",
					ev.At.Format(time.RFC3339), ev.Type, ev.UploadID, ev.JobID, ev.UploadStatus)
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", envOr("CLIPPEDSET_NATS_URL", nats.DefaultURL), "NATS server URL")
	cmd.Flags().StringVar(&uploadID, "upload", "", "Only show events for this upload")
	return cmd
}
