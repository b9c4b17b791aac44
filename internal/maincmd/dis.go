package maincmd

import (
	"context"
	"os"

	"github.com/mna/mainer"
	"github.com/mna/nymph/lang/compiler"
)

func (c *Cmd) Dis(ctx context.Context, stdio mainer.Stdio, args []string) error {
	for _, file := range args {
		b, err := os.ReadFile(file)
		if err != nil {
			return printError(stdio, err)
		}
		prog, err := compiler.Asm(b)
		if err != nil {
			return printError(stdio, err)
		}
		out, err := compiler.Dasm(prog)
		if err != nil {
			return printError(stdio, err)
		}
		if _, err := stdio.Stdout.Write(out); err != nil {
			return printError(stdio, err)
		}
	}
	return nil
}
