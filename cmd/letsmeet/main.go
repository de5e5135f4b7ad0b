package main

import (
	"log/slog"

	"github.com/letsmeet-app/letsmeet/internal/cli"
	"github.com/letsmeet-app/letsmeet/internal/logging"
)

func main() {
	logging.Init(slog.LevelError)
	cli.Execute()
}
