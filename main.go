// The main package for the harvest executable.
package main

import (
	_ "github.com/joho/godotenv/autoload"

	"github.com/JakeFAU/media-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
