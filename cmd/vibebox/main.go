package main

import (
	"os"

	"github.com/grovetools/vibebox/cli"
	"github.com/grovetools/vibebox/cmd"
)

func main() {
	os.Exit(cli.Execute(cmd.NewRootCmd()))
}
