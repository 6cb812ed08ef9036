package main

import (
	"os"

	"github.com/bounceproto/bounce/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
