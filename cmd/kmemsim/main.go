// Command kmemsim replays allocation workloads against a simulated physical memory region and
// reports how the heap's pages and blocks end up laid out.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

func main() {
	app := kingpin.New("kmemsim", "Kernel memory manager simulator.")
	app.HelpFlag.Short('h')

	addRunCommand(app)
	addLayoutCommand(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}

func exitWithErr(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err.Error())
	os.Exit(1)
}
