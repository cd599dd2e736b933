package main

import (
	"log"

	"github.com/austindbirch/taskreplay/cmd/replayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
