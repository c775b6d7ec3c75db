// Command birdnestctl drives the birdnest API from a terminal: uploads,
// lookups, tag edits and the detection webhooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"birdnest/internal/client"
	"birdnest/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "birdnestctl:", err)
		os.Exit(1)
	}
}

type command struct {
	usage string
	run   func(ctx context.Context, c *client.Client, args []string, out io.Writer) error
}

var commands = map[string]command{
	"upload":    {"upload [--await] [--content-type TYPE] FILE", runUpload},
	"lookup":    {"lookup URL", runLookup},
	"thumbnail": {"thumbnail THUMBNAIL_URL", runThumbnail},
	"search":    {"search SPECIES[,MIN]...", runSearch},
	"tags":      {"tags add|remove URL... --tag SPECIES,COUNT... | tags set URL SPECIES,COUNT...", runTags},
	"delete":    {"delete URL...", runDelete},
	"gallery":   {"gallery", runGallery},
	"health":    {"health", runHealth},
	"notify":    {"notify [--content-type TYPE] [--size N] KEY", runNotify},
	"detection": {"detection URL SPECIES,COUNT...", runDetection},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("birdnestctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	config.RegisterFlags(fs)
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return errors.New("a command is required")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		printUsage(stderr, fs)
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	c, err := client.New(client.Config{
		BaseURL:      cfg.Client.BaseURL,
		Token:        cfg.Client.Token,
		UserID:       cfg.Client.UserID,
		WebhookToken: cfg.Identity.WebhookToken,
		Timeout:      cfg.Client.Timeout,
		Polling:      cfg.Polling.Policy(),
	})
	if err != nil {
		return err
	}
	if err := cmd.run(ctx, c, rest[1:], stdout); err != nil {
		return fmt.Errorf("%s: %w", rest[0], err)
	}
	return nil
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: birdnestctl [flags] COMMAND [args]")
	fmt.Fprintln(w, "\ncommands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w, "\nflags:")
	fmt.Fprint(w, strings.TrimRight(fs.FlagUsages(), "\n")+"\n")
}
