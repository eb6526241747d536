// Command csar builds, inspects, and extracts csar archives.
//
// Usage:
//
//	csar build   -dir DIR -out FILE.csar
//	csar extract -archive FILE.csar -dest DIR
//	csar add     -archive FILE.csar FILE...
//	csar info    -archive FILE.csar
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/medvault/csar"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, os.Args[2:])
	case "extract":
		err = runExtract(ctx, os.Args[2:])
	case "add":
		err = runAdd(ctx, os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "csar:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: csar {build|extract|add|info} [flags]")
}

func logger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// progressPrinter writes per-file progress lines to stderr.
func progressPrinter(ev csar.ProgressEvent) bool {
	if ev.Err != nil {
		fmt.Fprintf(os.Stderr, "%s %d/%d %s: %v\n", ev.Stage, ev.FilesDone, ev.FilesTotal, ev.Path, ev.Err)
		return true
	}
	if ev.Path != "" {
		fmt.Fprintf(os.Stderr, "%s %d/%d %s\n", ev.Stage, ev.FilesDone, ev.FilesTotal, ev.Path)
	}
	return true
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	dir := fs.String("dir", "", "directory to archive")
	out := fs.String("out", "", "output archive path")
	workers := fs.Int("workers", 0, "compression workers (0 = one per CPU)")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args) //nolint:errcheck // ExitOnError
	if *dir == "" || *out == "" {
		return fmt.Errorf("build: -dir and -out are required")
	}

	n, err := csar.Build(ctx, *dir, *out,
		csar.BuildWithWorkers(*workers),
		csar.BuildWithLogger(logger(*verbose)),
		csar.BuildWithProgress(progressPrinter))
	if err != nil {
		return err
	}
	fmt.Printf("archived %d files to %s\n", n, *out)
	return nil
}

func runExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	archive := fs.String("archive", "", "archive path")
	dest := fs.String("dest", ".", "destination directory")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args) //nolint:errcheck // ExitOnError
	if *archive == "" {
		return fmt.Errorf("extract: -archive is required")
	}

	a, err := csar.Open(*archive, csar.WithLogger(logger(*verbose)))
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.ExtractArchive(ctx, *dest, csar.ExtractWithProgress(progressPrinter))
	if err != nil {
		return err
	}
	fmt.Printf("extracted %d of %d entries to %s\n", n, a.Len(), *dest)
	return nil
}

func runAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	archive := fs.String("archive", "", "archive path")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args) //nolint:errcheck // ExitOnError
	if *archive == "" || fs.NArg() == 0 {
		return fmt.Errorf("add: -archive and at least one file are required")
	}

	files := make([]csar.AddSource, 0, fs.NArg())
	for _, path := range fs.Args() {
		files = append(files, csar.AddSource{Name: filepath.ToSlash(filepath.Base(path)), Path: path})
	}

	added, skipped, err := csar.AddFiles(ctx, *archive, files,
		csar.BuildWithLogger(logger(*verbose)),
		csar.BuildWithProgress(progressPrinter))
	if err != nil {
		return err
	}
	fmt.Printf("added %d entries, skipped %d duplicates\n", added, len(skipped))
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	archive := fs.String("archive", "", "archive path")
	verify := fs.Bool("verify", false, "verify the data-section digest")
	fs.Parse(args) //nolint:errcheck // ExitOnError
	if *archive == "" {
		return fmt.Errorf("info: -archive is required")
	}

	a, err := csar.Open(*archive)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("%s: %d entries, data section ends at %d\n", *archive, a.Len(), a.DataEnd())
	for method, s := range a.Stats() {
		fmt.Printf("  %-18s %5d entries  %12d -> %d bytes\n", method, s.Entries, s.OrigBytes, s.StoredBytes)
	}
	if d, ok := a.DataDigest(); ok {
		fmt.Printf("  digest %s\n", d)
		if *verify {
			if err := a.VerifyData(); err != nil {
				return err
			}
			fmt.Println("  digest OK")
		}
	}
	return nil
}
