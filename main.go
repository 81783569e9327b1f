package main

import (
	"github.com/peerdock/peerdock/cmd"
	"github.com/peerdock/peerdock/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
