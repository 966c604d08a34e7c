package main

import (
	"fmt"
	"os"

	"github.com/streamcorpus/go-streamcorpus/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		code := 1
		if ee, ok := err.(*cmd.ExitError); ok {
			code = ee.Code
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}
