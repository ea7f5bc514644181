// The main package for the feedcrawler executable.
package main

import (
	"github.com/JakeFAU/feedcrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
