package main

import (
	"os"

	"roomcrypt/cmd/roomcrypt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
