package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"roomcrypt/internal/app"
)

const passphraseEnv = "ROOMCRYPT_PASSPHRASE"

var (
	home       string
	configPath string
	passphrase string
	timeout    time.Duration

	client *app.Client
)

func Execute() error {
	root := &cobra.Command{
		Use:          "roomcrypt",
		Short:        "End-to-end encrypted Matrix rooms from the command line",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".roomcrypt")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if err := godotenv.Load(filepath.Join(home, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			if passphrase == "" {
				passphrase = os.Getenv(passphraseEnv)
			}
			if configPath == "" {
				configPath = filepath.Join(home, "config.yaml")
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client == nil {
				return nil
			}
			return client.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.roomcrypt)")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the key store (or $"+passphraseEnv+")")
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "deadline for one-shot commands")

	root.AddCommand(
		initCmd(), fingerprintCmd(), keysCmd(),
		syncCmd(), listenCmd(),
		sendRoomCmd(), sendDeviceCmd(), requestKeyCmd(),
		joinCmd(), leaveCmd(),
	)
	return root.Execute()
}

// open builds the client from the config file on first use.
func open() (*app.Client, error) {
	if client != nil {
		return client, nil
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p or $%s)", passphraseEnv)
	}
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	c, err := app.New(cfg, passphrase, app.Deps{})
	if err != nil {
		return nil, err
	}
	client = c
	return client, nil
}

// commandContext is cancelled by SIGINT or after the --timeout deadline.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
