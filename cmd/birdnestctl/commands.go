package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/h2non/filetype"
	"github.com/spf13/pflag"

	"birdnest/internal/client"
	"birdnest/internal/models"
	"birdnest/internal/tagging"
)

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func printJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func exactArgs(args []string, n int, what string) error {
	if len(args) != n {
		return fmt.Errorf("expected %s", what)
	}
	return nil
}

func runUpload(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("upload")
	await := fs.Bool("await", false, "wait for detection to finish")
	contentType := fs.String("content-type", "", "media type; sniffed from the file when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := exactArgs(fs.Args(), 1, "a single FILE"); err != nil {
		return err
	}
	path := fs.Arg(0)
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ctype := *contentType
	if ctype == "" {
		ctype = sniffContentType(path, body)
	}
	upload, err := c.Upload(ctx, filepath.Base(path), ctype, body)
	if err != nil {
		return err
	}
	if !*await {
		return printJSON(out, upload)
	}
	record, err := c.AwaitTags(ctx, upload.URL)
	if err != nil {
		return err
	}
	return printJSON(out, record)
}

// sniffContentType prefers magic bytes and falls back to the extension.
func sniffContentType(path string, body []byte) string {
	if kind, err := filetype.Match(body); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func runLookup(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if err := exactArgs(args, 1, "a single URL"); err != nil {
		return err
	}
	record, err := c.Lookup(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out, record)
}

func runThumbnail(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if err := exactArgs(args, 1, "a single THUMBNAIL_URL"); err != nil {
		return err
	}
	link, err := c.LookupThumbnail(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out, link)
}

func runSearch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	predicate, err := parsePredicate(args)
	if err != nil {
		return err
	}
	links, err := c.Search(ctx, predicate)
	if err != nil {
		return err
	}
	return printJSON(out, map[string][]string{"links": links})
}

// parsePredicate reads "species" or "species,min" terms. A bare species
// means at least one.
func parsePredicate(args []string) (models.SearchPredicate, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one species is required")
	}
	predicate := models.SearchPredicate{}
	for _, arg := range args {
		if !strings.Contains(arg, ",") {
			predicate[tagging.NormalizeSpecies(arg)] = 1
			continue
		}
		delta, err := tagging.ParseDelta(arg)
		if err != nil {
			return nil, err
		}
		predicate[delta.Species] = delta.Count
	}
	return predicate, nil
}

func parseCounts(args []string) (models.SpeciesCounts, error) {
	deltas, err := tagging.ParseDeltas(args)
	if err != nil {
		return nil, err
	}
	counts := models.SpeciesCounts{}
	for _, delta := range deltas {
		counts[delta.Species] += delta.Count
	}
	return counts, nil
}

func runTags(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("expected add, remove or set")
	}
	if args[0] == "set" {
		if len(args) < 3 {
			return errors.New("expected URL and at least one SPECIES,COUNT")
		}
		updated, err := parseCounts(args[2:])
		if err != nil {
			return err
		}
		current, err := c.Lookup(ctx, args[1])
		if err != nil {
			return err
		}
		if err := c.UpdateTags(ctx, args[1], current.Tags, updated); err != nil {
			return err
		}
		record, err := c.Lookup(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(out, record)
	}

	op, err := tagging.ParseOperation(args[0])
	if err != nil {
		return err
	}
	fs := newFlagSet("tags")
	tags := fs.StringArray("tag", nil, "SPECIES,COUNT to apply; repeatable")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one URL is required")
	}
	updated, err := c.EditTags(ctx, fs.Args(), op, *tags)
	if err != nil {
		return err
	}
	return printJSON(out, map[string][]string{"updated": updated})
}

func runDelete(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("at least one URL is required")
	}
	deleted, err := c.Delete(ctx, args)
	if err != nil {
		return err
	}
	return printJSON(out, map[string][]string{"deleted": deleted})
}

func runGallery(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if err := exactArgs(args, 0, "no arguments"); err != nil {
		return err
	}
	records, err := c.Gallery(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, records)
}

func runHealth(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if err := exactArgs(args, 0, "no arguments"); err != nil {
		return err
	}
	report, err := c.Health(ctx)
	if report.Status != "" {
		if printErr := printJSON(out, report); printErr != nil {
			return printErr
		}
	}
	return err
}

func runNotify(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := newFlagSet("notify")
	contentType := fs.String("content-type", "", "media type of the stored object")
	size := fs.Int64("size", 0, "object size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := exactArgs(fs.Args(), 1, "a single KEY"); err != nil {
		return err
	}
	ctype := *contentType
	if ctype == "" {
		ctype = mime.TypeByExtension(filepath.Ext(fs.Arg(0)))
	}
	if err := c.NotifyObjectCreated(ctx, fs.Arg(0), ctype, *size); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, "accepted "+strconv.Quote(fs.Arg(0)))
	return err
}

func runDetection(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("expected URL and SPECIES,COUNT terms")
	}
	counts := models.SpeciesCounts{}
	if len(args) > 1 {
		var err error
		if counts, err = parseCounts(args[1:]); err != nil {
			return err
		}
	}
	record, err := c.RecordDetection(ctx, args[0], counts)
	if err != nil {
		return err
	}
	return printJSON(out, record)
}
