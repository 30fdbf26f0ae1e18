// The main package for the pukiwiki-dumper executable.
package main

import (
	"github.com/JakeFAU/pukiwiki-dumper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
