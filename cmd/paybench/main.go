// Command paybench is the payment gateway integration harness.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/paybench/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil && !cli.Reported(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
