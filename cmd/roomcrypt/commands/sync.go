package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"roomcrypt/internal/app"
	"roomcrypt/internal/dispatch"
	"roomcrypt/internal/domain"
)

// printEvents registers listeners that write incoming traffic to stdout.
func printEvents(c *app.Client) {
	c.OnEvent(dispatch.MessageReceived, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		var msg domain.MessageContent
		if err := n.Event.ParseContent(&msg); err != nil || msg.Body == "" {
			return dispatch.Continue, nil
		}
		lock := " "
		if n.Event.Decryption != nil {
			lock = "*"
		}
		fmt.Printf("%s [%s] <%s> %s\n", lock, n.Room.ID, n.Event.Sender, msg.Body)
		return dispatch.Continue, nil
	})
	c.OnEvent(dispatch.UndecryptableMessage, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		fmt.Printf("! [%s] <%s> unable to decrypt: %v\n", n.Room.ID, n.Event.Sender, n.Event.Decryption.Err)
		var c domain.MegolmEncryptedContent
		if errors.Is(n.Event.Decryption.Err, domain.ErrUnknownGroupSession) && n.Event.ParseContent(&c) == nil {
			fmt.Printf("  request-key %s %s %s\n", n.Room.ID, c.SessionID, c.SenderKey)
		}
		return dispatch.Continue, nil
	})
	c.OnEvent(dispatch.ToDevice, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		var msg domain.MessageContent
		if err := n.Event.ParseContent(&msg); err != nil || msg.Body == "" {
			return dispatch.Continue, nil
		}
		fmt.Printf("* [direct] <%s> %s\n", n.Event.Sender, msg.Body)
		return dispatch.Continue, nil
	})
	c.OnEvent(dispatch.RoomInvited, func(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
		fmt.Printf("Invited to %s by %s\n", n.Room.ID, n.Event.Sender)
		return dispatch.Continue, nil
	})
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print what arrived",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			printEvents(c)
			ctx, cancel := commandContext(cmd)
			defer cancel()
			cursor, err := c.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Synced to %s; %d rooms known\n", cursor, len(c.Rooms()))
			return nil
		},
	}
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Sync continuously and print messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			printEvents(c)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if err := c.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			c.Stop()
			return nil
		},
	}
}
