package main

import (
	"os"

	"github.com/UtilityDD/peermesh-exam-system/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
