// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// blobfs is the operator tool for blobfs images: create them, check
// them, and move blobs in and out without a mount helper.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/blobfs/blobfs"
	"github.com/bureau-foundation/blobfs/lib/digest"
	"github.com/bureau-foundation/blobfs/lib/format"
	"github.com/bureau-foundation/blobfs/lib/merkle"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "format":
		return runFormat(os.Args[2:])
	case "check":
		return runCheck(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "put":
		return runPut(os.Args[2:])
	case "get":
		return runGet(os.Args[2:])
	case "unlink":
		return runUnlink(os.Args[2:])
	case "version":
		fmt.Printf("blobfs %s\n", version)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: blobfs <subcommand> [flags]

Subcommands:
  format    Create a fresh image
  check     Verify on-disk invariants (and optionally every blob)
  list      Enumerate blob digests
  put       Store files as blobs, printing each digest
  get       Read a blob by digest
  unlink    Delete a blob by digest
  version   Print version information

Run 'blobfs <subcommand> --help' for subcommand flags.
`)
}

func commonFlags(flags *pflag.FlagSet) (image *string, verbose *bool) {
	image = flags.String("image", "", "path to the image file")
	verbose = flags.BoolP("verbose", "v", false, "debug logging to stderr")
	return
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func mountFromFlags(image string, verbose, readonly bool) (*blobfs.Blobfs, error) {
	if image == "" {
		return nil, fmt.Errorf("--image is required")
	}
	return blobfs.MountFile(image, blobfs.MountOptions{
		ReadOnly: readonly,
		Logger:   newLogger(verbose),
	})
}

func runFormat(args []string) error {
	flags := pflag.NewFlagSet("format", pflag.ContinueOnError)
	image, _ := commonFlags(flags)
	sizeMB := flags.Uint64("size-mb", 16, "device size in MiB (fixed mode)")
	inodes := flags.Uint64("inodes", 0, "node table capacity (0 = default)")
	journalBlocks := flags.Uint64("journal-blocks", 0, "journal region size (0 = default)")
	sliceSize := flags.Uint64("slice-size", 0, "enable slice mode with this slice size in bytes")
	dataSlices := flags.Uint64("data-slices", 64, "maximum data slices (slice mode)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *image == "" {
		return fmt.Errorf("--image is required")
	}

	opts := blobfs.FormatOptions{
		InodeCount:        *inodes,
		JournalBlockCount: *journalBlocks,
		SliceSize:         *sliceSize,
	}
	size := *sizeMB * 1024 * 1024 / format.BlockSize
	if *sliceSize > 0 {
		size = *dataSlices
	}
	if err := blobfs.FormatFile(*image, size, opts); err != nil {
		return err
	}
	fmt.Printf("formatted %s\n", *image)
	return nil
}

func runCheck(args []string) error {
	flags := pflag.NewFlagSet("check", pflag.ContinueOnError)
	image, verbose := commonFlags(flags)
	deep := flags.Bool("deep", false, "read back and verify every blob")
	if err := flags.Parse(args); err != nil {
		return err
	}
	fs, err := mountFromFlags(*image, *verbose, true)
	if err != nil {
		return err
	}
	defer fs.Shutdown()
	if err := fs.Check(*deep); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runList(args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	image, verbose := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	fs, err := mountFromFlags(*image, *verbose, true)
	if err != nil {
		return err
	}
	defer fs.Shutdown()

	cursor := uint64(0)
	for {
		names, next, err := fs.Readdir(cursor, 256)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		cursor = next
	}
}

func runPut(args []string) error {
	flags := pflag.NewFlagSet("put", pflag.ContinueOnError)
	image, verbose := commonFlags(flags)
	jobs := flags.Int("jobs", 4, "concurrent ingestions")
	if err := flags.Parse(args); err != nil {
		return err
	}
	files := flags.Args()
	if len(files) == 0 {
		return fmt.Errorf("no input files")
	}
	fs, err := mountFromFlags(*image, *verbose, false)
	if err != nil {
		return err
	}
	defer fs.Shutdown()

	var group errgroup.Group
	group.SetLimit(*jobs)
	for _, path := range files {
		path := path
		group.Go(func() error {
			d, err := putFile(fs, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s  %s\n", d, path)
			return nil
		})
	}
	return group.Wait()
}

func putFile(fs *blobfs.Blobfs, path string) (digest.Digest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return digest.Digest{}, err
	}
	tree := make([]byte, merkle.TreeLength(uint64(len(content))))
	d, err := merkle.Create(content, tree)
	if err != nil {
		return digest.Digest{}, err
	}

	b, err := fs.Create(d)
	if err != nil {
		return d, err
	}
	defer b.Close()
	if err := b.SpaceAllocate(uint64(len(content))); err != nil {
		return d, err
	}
	for off := 0; off < len(content); {
		chunk := min(len(content)-off, 1<<16)
		n, err := b.Write(content[off : off+chunk])
		if err != nil {
			return d, err
		}
		off += n
	}
	return d, nil
}

func runGet(args []string) error {
	flags := pflag.NewFlagSet("get", pflag.ContinueOnError)
	image, verbose := commonFlags(flags)
	output := flags.StringP("output", "o", "-", "output file (- for stdout)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("exactly one digest required")
	}
	d, err := digest.Parse(flags.Arg(0))
	if err != nil {
		return err
	}
	fs, err := mountFromFlags(*image, *verbose, true)
	if err != nil {
		return err
	}
	defer fs.Shutdown()

	b, err := fs.Open(d)
	if err != nil {
		return err
	}
	defer b.Close()

	var out io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	buf := make([]byte, 1<<16)
	for off := uint64(0); ; {
		n, err := b.Read(buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		off += uint64(n)
	}
}

func runUnlink(args []string) error {
	flags := pflag.NewFlagSet("unlink", pflag.ContinueOnError)
	image, verbose := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("exactly one digest required")
	}
	d, err := digest.Parse(flags.Arg(0))
	if err != nil {
		return err
	}
	fs, err := mountFromFlags(*image, *verbose, false)
	if err != nil {
		return err
	}
	defer fs.Shutdown()
	return fs.Unlink(d)
}
