//go:build !test

// Command vmmigrate is a thin demonstration shell over the savevm/loadvm,
// postcopy and colo packages: save/load/colo-primary/colo-secondary
// subcommands, nothing else.
package main

import (
	"log"

	"github.com/bobuhiro11/vmmigrate/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
