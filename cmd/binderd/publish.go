package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-channel-binder/binder"
	"github.com/next-trace/scg-channel-binder/channel"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
)

func publishCmd(a *app) *cobra.Command {
	var (
		dest    string
		payload string
		mode    string
		headers map[string]string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send one message to a destination through a producer binding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := cbus.ParseMode(mode)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			conn, cleanup, err := connect(ctx, a.cfg.Broker, a.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ch := channel.New("publish", a.logger)
			defer func() { _ = ch.Close() }()

			bd, err := binder.New(conn, a.logger).BindProducer(ctx, dest, ch, cbus.ProducerOptions{Mode: m})
			if err != nil {
				return err
			}
			defer bd.Unbind(ctx)

			msg := cbus.NewMessage([]byte(payload), headers)
			if err := ch.Publish(ctx, msg); err != nil {
				return fmt.Errorf("publish to %s: %w", dest, err)
			}

			cmd.Printf("sent %s to %s\n", msg.ID, dest)

			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "destination", "d", "", "broker destination")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "message payload")
	cmd.Flags().StringVar(&mode, "mode", "broadcast", "broadcast or point-to-point")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "message header as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("destination")

	return cmd
}
