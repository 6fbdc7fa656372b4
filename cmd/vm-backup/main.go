package main

import (
	"os"

	"vm-backup/src/cli"
)

func main() {
	os.Exit(cli.Execute())
}
