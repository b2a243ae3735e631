package main

import (
	"log"

	"github.com/victornm/classquiz/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatalf("classquiz: %v", err)
	}
}
