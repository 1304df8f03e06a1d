package main

import (
	"log"

	"creatorpay/services/creatorpay/app"
)

func main() {
	if err := app.Main(); err != nil {
		log.Fatalf("creatorpayd: %v", err)
	}
}
