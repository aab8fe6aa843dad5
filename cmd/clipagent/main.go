package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/Dicklesworthstone/clipagent/cmd/clipagent/cmd"
)

func main() {
	// A .env in the working directory may carry CLIPAGENT_* overrides.
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
