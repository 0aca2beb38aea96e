package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/dmiller/tradeledger/internal/ledger"
	"github.com/dmiller/tradeledger/internal/models"
)

func main() {
	var (
		dbPath     string
		flaggedRow bool
		duplicates bool
	)
	flag.StringVar(&dbPath, "db", "ledger.db", "Path to the ledger database")
	flag.BoolVar(&flaggedRow, "flagged", false, "Show only groups needing attention")
	flag.BoolVar(&duplicates, "duplicates", false, "List suspected duplicate legs and exit")
	flag.Parse()

	store, err := ledger.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if duplicates {
		if err := printDuplicates(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := printGroups(ctx, store, flaggedRow); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printGroups(ctx context.Context, store ledger.Interface, flaggedOnly bool) error {
	legs, err := store.GetAllLegs(ctx)
	if err != nil {
		return fmt.Errorf("loading legs: %w", err)
	}

	byGroup := make(map[string][]*models.Leg)
	for _, leg := range legs {
		key := leg.TradeGroupID
		if key == "" {
			key = leg.ID
		}
		byGroup[key] = append(byGroup[key], leg)
	}

	keys := make([]string, 0, len(byGroup))
	for key := range byGroup {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Group", "Strategy", "Legs", "Close", "P&L", "P&L %", "Flags")

	var total float64
	verified, flagged := 0, 0
	for _, key := range keys {
		group := byGroup[key]
		models.SortLegs(group)
		primary := models.PrimaryLeg(group)

		flags := groupFlags(group)
		if flaggedOnly && flags == "" {
			continue
		}
		if flags == "" {
			verified++
		} else {
			flagged++
		}

		strategy := models.StrategyCustom
		if s, err := store.GroupStrategy(ctx, key); err == nil {
			strategy = s
		}

		pnlCell, pctCell := "-", "-"
		if primary.Pnl != nil {
			pnlCell = fmt.Sprintf("$%.2f", *primary.Pnl)
			// Unverified figures stay out of the total.
			if flags == "" {
				total += *primary.Pnl
			}
		}
		if primary.PnlPercent != nil {
			pctCell = fmt.Sprintf("%.1f%%", *primary.PnlPercent)
		}

		table.Append(
			key,
			string(strategy),
			fmt.Sprintf("%d", len(group)),
			closeSummary(group),
			pnlCell,
			pctCell,
			flags,
		)
	}
	table.Render()

	fmt.Printf("\n%d verified, %d flagged. Verified total: $%.2f\n", verified, flagged, total)
	if flagged > 0 {
		fmt.Println("Flagged groups are excluded from the total until reconciled.")
	}
	return nil
}

func groupFlags(group []*models.Leg) string {
	var flags string
	for _, leg := range group {
		if leg.NeedsReconcile {
			flags = appendFlag(flags, "needs_reconcile")
			break
		}
	}
	for _, leg := range group {
		if leg.PnlStatus == models.PnlMissingFills {
			flags = appendFlag(flags, "missing_fills")
			break
		}
	}
	for _, leg := range group {
		if leg.CloseStatus == models.CloseTimeoutUnknown {
			flags = appendFlag(flags, "timeout_unknown")
			break
		}
	}
	return flags
}

func appendFlag(flags, name string) string {
	if flags == "" {
		return name
	}
	return flags + "," + name
}

// closeSummary collapses a group's lifecycle states into one cell. Any
// non-filled leg outranks the filled ones.
func closeSummary(group []*models.Leg) string {
	status := models.CloseFilled
	for _, leg := range group {
		if !leg.IsFilled() {
			status = leg.CloseStatus
		}
	}
	return string(status)
}

func printDuplicates(ctx context.Context, store ledger.Interface) error {
	dupes, err := store.DetectDuplicates(ctx)
	if err != nil {
		return fmt.Errorf("detecting duplicates: %w", err)
	}
	if len(dupes) == 0 {
		fmt.Println("No duplicate legs detected.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Set", "Leg", "Symbol", "Qty", "Open Order", "Entry Time")
	for i, set := range dupes {
		for _, leg := range set {
			entry := "-"
			if !leg.EntryTime.IsZero() {
				entry = leg.EntryTime.Format(time.RFC3339)
			}
			table.Append(
				fmt.Sprintf("%d", i+1),
				leg.ID,
				leg.Symbol,
				fmt.Sprintf("%d", leg.Quantity),
				leg.OpenOrderID,
				entry,
			)
		}
	}
	table.Render()
	fmt.Printf("\n%d duplicate sets. Remove with the API: DELETE /api/duplicates\n", len(dupes))
	return nil
}
