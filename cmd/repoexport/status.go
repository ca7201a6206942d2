package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/repoexport/internal/store"
)

var (
	statusExpired bool
	statusLimit   int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [EXPORT]",
		Short: "Display tracked exports",
		Long: `List tracked exports with their size, state and expiry, newest first.
With an export id or directory, show that export in detail. --expired lists
only exports whose expiry has passed, for the cleanup job to remove.`,
		Example: `  repoexport status
  repoexport status --expired
  repoexport status 3f1c9a7e-2b1d-4c55-9a0e-8d7c1f2e4b6a`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusExpired, "expired", false, "show only expired exports")
	cmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum number of exports to list (0 for all)")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	if len(args) == 1 {
		rec, err := globalStore.GetExport(args[0])
		if err != nil {
			return err
		}
		printExportDetail(rec, time.Now())
		return nil
	}

	var (
		records []store.ExportRecord
		err     error
	)
	if statusExpired {
		records, err = globalStore.ListExpiredExports(time.Now())
	} else {
		records, err = globalStore.ListExports(statusLimit)
	}
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No exports found")
		return nil
	}

	now := time.Now()
	fmt.Println("Export Status")
	fmt.Println("=============")
	fmt.Println("")
	fmt.Printf("%-36s %-10s %8s %10s %-16s %s\n", "Export", "Status", "Items", "Size", "Created", "Expires")
	fmt.Println(strings.Repeat("-", 100))

	for _, rec := range records {
		fmt.Printf("%-36s %-10s %8d %10s %-16s %s\n",
			rec.ID,
			statusLabel(&rec),
			rec.ItemCount,
			humanize.Bytes(uint64(rec.ContainerBytes)),
			rec.CreatedAt.Local().Format("2006-01-02 15:04"),
			expiryLabel(&rec, now),
		)
	}
	fmt.Println("")

	return nil
}

func statusLabel(rec *store.ExportRecord) string {
	label := rec.Status
	if rec.SizeConstrained {
		label += "*"
	}
	return label
}

func expiryLabel(rec *store.ExportRecord, now time.Time) string {
	if rec.ExpiresAt.IsZero() {
		return "never"
	}
	if rec.Expired(now) {
		return "expired " + humanize.RelTime(rec.ExpiresAt, now, "ago", "from now")
	}
	return humanize.RelTime(rec.ExpiresAt, now, "ago", "from now")
}

func printExportDetail(rec *store.ExportRecord, now time.Time) {
	fmt.Printf("Export:           %s\n", rec.ID)
	fmt.Printf("Directory:        %s\n", rec.Path)
	fmt.Printf("Identity:         %s\n", rec.Identity)
	fmt.Printf("Status:           %s\n", rec.Status)
	fmt.Printf("Items:            %d\n", rec.ItemCount)
	fmt.Printf("Source size:      %s\n", humanize.Bytes(uint64(rec.SourceBytes)))
	fmt.Printf("Container size:   %s\n", humanize.Bytes(uint64(rec.ContainerBytes)))
	fmt.Printf("Split:            %t\n", rec.Split)
	fmt.Printf("Size constrained: %t\n", rec.SizeConstrained)
	fmt.Printf("Created:          %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	if !rec.CompletedAt.IsZero() {
		fmt.Printf("Completed:        %s\n", rec.CompletedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("Expires:          %s\n", expiryLabel(rec, now))
	if rec.ErrorMessage != "" {
		fmt.Printf("Error:            %s\n", rec.ErrorMessage)
	}
}
