// The main package for the harvester executable.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/JakeFAU/scholar-harvester/cmd"
)

// main loads a local .env when present and defers to the Cobra CLI.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		os.Exit(1)
	}
	if err := cmd.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
