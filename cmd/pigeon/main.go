package main

import (
	"flag"
	"log"
	"os"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (environment only when empty)")
	flag.Parse()
	configureLogOutput(os.Stdout)

	if err := runApplication(*configPath); err != nil {
		log.Fatalf("pigeon: %v", err)
	}
}
