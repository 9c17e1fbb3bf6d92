package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andy6609/chatrelay/internal/client"
	"github.com/andy6609/chatrelay/internal/config"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:   "chatrelay-client",
		Short: "Chat through a relay server from the console",
		Long: `Type a line to send it to everyone.

  direct:<user> text     send text to one user only
  ... timeout:<seconds>  send the line after a delay
  timeout:kill           cancel every delayed line`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if err := config.ApplyClientFlags(&cfg, cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterClientFlags(cmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c, err := client.Dial(ctx, cfg.Addr(), cfg.User, os.Stdout, color.SupportColor(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(); err != nil {
		return fmt.Errorf("introduce to server: %w", err)
	}
	fmt.Printf("Connected to %s\n\n", cfg.Addr())

	// Console reads block, so they get their own goroutine.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return c.Run(ctx, lines)
}
