package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/Akron/sparsejit"
)

// dumpCommand prints the machine code of a kernel as a hex dump. It does
// not need a CPU that can run the code.
type dumpCommand struct {
	blocks   *int
	strategy *string
}

func (cmd *dumpCommand) run(*kingpin.ParseContext) error {
	strategy, err := sparsejit.ParseStrategy(*cmd.strategy)
	if err != nil {
		exitWithErr(err)
	}
	code, err := sparsejit.Generate(*cmd.blocks, sparsejit.WithStrategy(strategy))
	if err != nil {
		exitWithErr(fmt.Errorf("failed to generate kernel: %w", err))
	}
	color.New(color.Bold).Printf("Kernel: %d blocks, %s strategy, %v\n",
		*cmd.blocks, strategy, humanize.Bytes(uint64(len(code))))

	d := hex.Dumper(os.Stdout)
	defer func() { _ = d.Close() }()
	_, err = d.Write(code)
	return err
}

func addDumpCommand(app *kingpin.Application) {
	cmd := &dumpCommand{}
	dump := app.Command("dump", "Hex dump the machine code of a generated kernel.").Action(cmd.run)
	cmd.blocks = dump.Flag("blocks", "Number of 4 KiB blocks.").Default("1").Int()
	cmd.strategy = dump.Flag("strategy", "Kernel emission strategy.").Default("loop").Enum("loop", "unrolled")
}
