package main

import (
	"log"

	"rootbot/cmd/internal/passphrase"
	"rootbot/services/flowd"
)

func main() {
	if err := flowd.Main(flowd.WithPassphrase(passphrase.Lookup)); err != nil {
		log.Fatalf("flowd: %v", err)
	}
}
