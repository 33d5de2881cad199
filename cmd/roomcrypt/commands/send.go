package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomcrypt/internal/domain"
)

// send-room <room> <message>. Room state lives in memory, so the command
// syncs first to learn the room's members and encryption settings.
func sendRoomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-room <room> <message>",
		Short: "Send a text message to a room",
		Args:  cobra.ExactArgs(2),
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
			id, err := c.SendToRoom(ctx, domain.RoomID(args[0]), args[1])
			if err != nil {
				return err
			}
			fmt.Printf("sent %s\n", id)
			return nil
		},
	}
}

func sendDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-device <user> <device> <message>",
		Short: "Send an encrypted text message to one device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := c.SendToDevice(ctx, domain.UserID(args[0]), domain.DeviceID(args[1]), args[2]); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
}

// request-key <room> <session> <sender-key> asks the room's other devices to
// forward a group session. Answers arrive on a later sync or listen.
func requestKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-key <room> <session> <sender-key>",
		Short: "Ask the room's devices for a missing room key",
		Args:  cobra.ExactArgs(3),
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
			n, err := c.RequestRoomKey(ctx, domain.RoomID(args[0]), domain.SessionID(args[1]), domain.Curve25519Key(args[2]))
			if err != nil {
				return err
			}
			fmt.Printf("asked %d devices\n", n)
			return nil
		},
	}
}
