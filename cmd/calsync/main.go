package main

import (
	"os"

	appLog "calsync/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		appLog.Error("calsync exiting", err)
		os.Exit(1)
	}
}
