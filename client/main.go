package main

import (
	"os"

	"github.com/shelfapp/shelf/client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
