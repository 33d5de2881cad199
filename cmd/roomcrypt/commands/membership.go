package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomcrypt/internal/domain"
)

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Accept a room invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if _, err := c.Sync(ctx); err != nil {
				return err
			}
			if err := c.AcceptInvitation(ctx, domain.RoomID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Joined %s\n", args[0])
			return nil
		},
	}
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <room>",
		Short: "Leave a joined room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if _, err := c.Sync(ctx); err != nil {
				return err
			}
			if err := c.LeaveRoom(ctx, domain.RoomID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Left %s\n", args[0])
			return nil
		},
	}
}
