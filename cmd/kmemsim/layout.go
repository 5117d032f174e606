package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/besos/kmem/heap"
	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/pages"
	"github.com/dustin/go-humanize"
)

// layoutCommand prints how a config's region is divided up before any allocation is made
type layoutCommand struct {
	configFile *string
}

func (cmd *layoutCommand) run(_ *kingpin.ParseContext) error {
	cfg, err := loadConfig(*cmd.configFile)
	if err != nil {
		exitWithErr(err)
	}

	err = printLayout(os.Stdout, cfg)
	if err != nil {
		exitWithErr(err)
	}
	return nil
}

func printLayout(out io.Writer, cfg heap.Config) error {
	options, err := cfg.CreateOptions()
	if err != nil {
		return err
	}

	region := cfg.Region()
	arena, err := memutils.NewArena(region)
	if err != nil {
		return err
	}

	bitmap, err := pages.NewBitmapAllocator(arena, options.BitmapPlacement)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "region: 0x%x - 0x%x (%s)\n", uint64(region.Begin), uint64(region.End()), humanize.IBytes(region.Length))
	fmt.Fprintf(out, "pages: %d total, %d reserved for the bitmap, %d grantable\n", bitmap.PageCount(), bitmap.ReservedCount(), bitmap.FreeCount())
	fmt.Fprintf(out, "bitmap: %s\n", options.BitmapPlacement)
	fmt.Fprintf(out, "strategy: %s, page policy: %s, flags: %s\n", options.Strategy, options.PagePolicy, options.Flags)
	fmt.Fprintf(out, "largest allocation: %d bytes\n", heap.MaxAllocationSize)
	return nil
}

func addLayoutCommand(app *kingpin.Application) {
	cmd := &layoutCommand{}
	layout := app.Command("layout", "Print how a region is divided into pages.").Action(cmd.run)
	cmd.configFile = layout.Flag("config", "Heap config file. Defaults are used when omitted.").Short('c').ExistingFile()
}
