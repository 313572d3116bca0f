package main

import (
	"context"
	"log"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/kalbasit/nixsync/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	output := os.Stdout

	logger := zerolog.New(output).With().Timestamp().Logger()
	if term.IsTerminal(int(output.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorable(output), TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	}

	ctx := logger.WithContext(context.Background())

	c := cmd.New()

	if err := c.Run(ctx, os.Args); err != nil {
		log.Printf("error running nixsync: %s", err)

		return 1
	}

	return 0
}
