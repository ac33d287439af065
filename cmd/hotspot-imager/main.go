package main

import (
	"log/slog"
	"os"

	"github.com/kiwix/hotspot-imager/cmd/hotspot-imager/commands"
	"github.com/mattn/go-isatty"
)

func main() {
	// Text for terminals, JSON when piped to a collector
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	commands.Execute()
}
