package main

import (
	"log"

	"parlor/cmd/internal/app"
)

func main() {
	if err := app.Main(); err != nil {
		log.Fatal(err)
	}
}
