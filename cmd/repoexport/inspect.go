package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/repoexport/internal/engine"
)

var (
	inspectExtract string
	inspectOutput  string
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect CONTAINER",
		Short: "List the entries of an export container",
		Long: `List every entry of a .tar.zst container produced by export. A split
export must be reassembled first with reassemble.sh or reassemble.bat.

With --extract, write the content of one entry to stdout, or to the file
named by --output.`,
		Example: `  repoexport inspect /var/lib/repoexport/exports/<id>/export.tar.zst
  repoexport inspect export.tar.zst --extract "Books (c:1)/Page (p:1)/OBJ.tif" --output page.tif`,
		Args: cobra.ExactArgs(1),
		RunE: inspectRun,
	}

	cmd.Flags().StringVar(&inspectExtract, "extract", "", "entry name to extract")
	cmd.Flags().StringVarP(&inspectOutput, "output", "o", "", "file to write the extracted entry to (default: stdout)")

	return cmd
}

func inspectRun(cmd *cobra.Command, args []string) error {
	if inspectExtract != "" {
		return extractEntry(args[0], inspectExtract, inspectOutput)
	}
	if inspectOutput != "" {
		return fmt.Errorf("--output requires --extract")
	}

	entries, err := engine.ListEntries(args[0])
	if err != nil {
		return err
	}

	var total int64
	fmt.Printf("%10s  %s\n", "Size", "Entry")
	fmt.Println(strings.Repeat("-", 60))
	for _, e := range entries {
		fmt.Printf("%10s  %s\n", humanize.Bytes(uint64(e.Size)), e.Name)
		total += e.Size
	}
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("%d entries, %s\n", len(entries), humanize.Bytes(uint64(total)))
	return nil
}

func extractEntry(container, name, output string) error {
	data, err := engine.ExtractEntry(container, name)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	fmt.Fprintf(os.Stderr, "Extracted %s (%s) to %s\n", name, humanize.Bytes(uint64(len(data))), output)
	return nil
}
