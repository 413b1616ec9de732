package main

import (
	"log"

	"train-ticket/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
