// Package main is the entry point for the idxstore CLI.
//
// Usage:
//
//	idxstore [flags] <command> [args]
//
// Commands:
//
//	status     - Existence, lock state and location of sub-indexes
//	create     - Create empty indexes
//	verify     - Create the indexes that are missing
//	delete     - Delete indexes
//	clean      - Remove every file but keep the directory
//	unlock     - Force-release write locks
//	resolve    - Translate aliases and types to sub-indexes
//	copy       - Replace indexes with those of another store
//	maintain   - Run scheduled backend tasks
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/idxstore/cmd/idxstore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
