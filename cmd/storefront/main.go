package main

import (
	"log"

	"bundlehub/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("storefront failed: %v", err)
	}
}
