package main

import (
	"os"

	"book-pipeline/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
