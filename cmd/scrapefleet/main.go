// The main package for the scrapefleet executable.
package main

import (
	"github.com/JakeFAU/scrape-fleet/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
