package main

import (
	"os"

	"medguard.org/cmd/auditctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
