package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomcrypt/internal/services/identity"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the device account and publish its keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := identity.CheckPassphrase(passphrase); err != nil {
				return err
			}
			c, err := open()
			if err != nil {
				return err
			}
			fp, err := c.CreateAccount()
			if err != nil {
				return err
			}
			fmt.Printf("Account created.\nFingerprint: %s\n", fp)

			ctx, cancel := commandContext(cmd)
			defer cancel()
			n, err := c.PublishKeys(ctx)
			if err != nil {
				return fmt.Errorf("account created but keys not published: %w", err)
			}
			fmt.Printf("Published keys; %d one-time keys on server\n", n)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			fp, err := c.Fingerprint()
			if err != nil {
				return err
			}
			d, err := c.Device()
			if err != nil {
				return err
			}
			fmt.Printf("Device:      %s %s\nFingerprint: %s\n", d.UserID, d.DeviceID, fp)
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage keys published to the homeserver",
	}
	cmd.AddCommand(publishKeysCmd())
	return cmd
}

func publishKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Top up one-time keys on the homeserver",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			n, err := c.PublishKeys(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d one-time keys on server\n", n)
			return nil
		},
	}
}
