package main

import (
	"log"

	"github.com/substratusai/podcp/internal/commands"
)

var Version = "development"

func main() {
	commands.Version = Version
	if err := commands.Root().Execute(); err != nil {
		log.Fatal(err)
	}
}
