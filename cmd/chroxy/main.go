package main

import (
	"os"

	"github.com/chroxy-sh/chroxy/internal/cmd"
)

var version = "dev"

func main() {
	os.Exit(cmd.Execute(version))
}
