/*
Copyright © 2026 Veldt <veldt@veldt.dev>
*/

package main

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	releaseVersion = "0.1.2"
)

func main() {
	log.SetFlags(0)

	// Optional .env file for deployments; real env vars still win.
	_ = godotenv.Load()

	cfg := &Config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}
