// Package main is the entrypoint for the appproxy server.
package main

import (
	"os"

	"github.com/stacklok/appproxy/cmd/appproxy/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
