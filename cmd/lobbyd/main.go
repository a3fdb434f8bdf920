package main

import (
	"log"

	"github.com/roomlink/roomlink/internal/platform"
)

func main() {
	if err := platform.RunLobbyService("lobbyd"); err != nil {
		log.Fatalf("lobbyd failed: %v", err)
	}
}
