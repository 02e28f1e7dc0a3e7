// handle-check is a diagnostic tool for inspecting and validating USR1
// username snapshots. It streams the file once, checking structural
// integrity and the CRC64 checksum without loading names into a store.
//
// It can answer questions like:
//
//   - Is the snapshot corrupted, and at which byte offset?
//   - How many usernames are stored in each shard?
//   - Are there names a server would never have written (unfolded,
//     too long, or recorded under the wrong shard)?
//   - How large a filter will the server build for this many names?
//
// Usage Examples
// ==============
//
// Basic validation (structure, checksum and the sizing report):
//
//	handle-check -f usernames.usr1
//
// Verbose mode (lists every username with its offset):
//
//	handle-check -f usernames.usr1 -v
//
// Sizing for a different false positive target:
//
//	handle-check -f usernames.usr1 --fp-rate 0.001
//
// Exit Codes
// ==========
//
// 0: The file is valid.
// 1: The file is corrupted or unreadable (checksum mismatch, truncated, etc.)
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"handle.lopezb.com/internal/handle/bloom"
)

var version = "dev"

type flags struct {
	file          string
	verbose       bool
	fpRate        float64
	expectedItems uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "handle-check",
		Short:         "Validate a USR1 username snapshot",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd, &f)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "[err] %v\n", err)
			}
			return err
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.file, "file", "f", "usernames.usr1", "Path to the snapshot file")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Verbose mode (print usernames)")
	fs.Float64Var(&f.fpRate, "fp-rate", bloom.DefaultFalsePositiveRate, "Target false positive rate for the sizing report")
	fs.Uint64Var(&f.expectedItems, "expected-items", bloom.DefaultExpectedItems, "Minimum filter capacity, as configured on the server")
	return cmd
}

func run(cmd *cobra.Command, f *flags) error {
	out := cmd.OutOrStdout()

	file, err := os.Open(f.file)
	if err != nil {
		return fmt.Errorf("cannot open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	fmt.Fprintf(out, "[offset 0] Checking snapshot %s\n", f.file)

	start := time.Now()
	res, err := checkSnapshot(file, out, f.verbose)
	if err != nil {
		return err
	}

	printSummary(out, res, time.Since(start))
	return printSizing(out, res.Usernames, f.expectedItems, f.fpRate)
}
