// Command mediagrab is the CLI entry point.
package main

import "github.com/mediagrab/mediagrab/internal/cli"

func main() {
	cli.Execute()
}
