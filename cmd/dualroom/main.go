package main

import "github.com/navikt/dualroom/internal/cli"

func main() {
	cli.Execute()
}
