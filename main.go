package main

import (
	"log"

	"github.com/kilianp07/csms/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("csms: %v", err)
	}
}
