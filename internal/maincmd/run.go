package maincmd

import (
	"context"
	"os"

	"github.com/mna/mainer"
	"github.com/mna/nymph/lang/compiler"
	"github.com/mna/nymph/lang/machine"
)

func (c *Cmd) Run(ctx context.Context, stdio mainer.Stdio, args []string) error {
	cfg, err := machine.ConfigFromEnv()
	if err != nil {
		return printError(stdio, err)
	}

	for _, file := range args {
		b, err := os.ReadFile(file)
		if err != nil {
			return printError(stdio, err)
		}
		prog, err := compiler.Asm(b)
		if err != nil {
			return printError(stdio, err)
		}

		// each program runs on a fresh machine instance
		vm := machine.New(cfg)
		vm.Stdout = stdio.Stdout
		if err := vm.RunProgram(ctx, prog); err != nil {
			return printError(stdio, err)
		}
	}
	return nil
}
