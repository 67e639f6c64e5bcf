// Command entityvc versions the live entity store and serves the sync API.
package main

import (
	"context"
	"fmt"
	"os"

	"entityvc/internal/cli"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
