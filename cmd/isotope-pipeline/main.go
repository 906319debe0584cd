// Command isotope-pipeline validates and runs pipeline plans.
package main

import (
	"os"
)

func main() {
	root := newRootCommand()
	root.AddCommand(newRunCommand(), newValidateCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
