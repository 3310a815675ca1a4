// Package main provides the databank CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/databank/pkg/archive"
	"github.com/orneryd/databank/pkg/config"
	"github.com/orneryd/databank/pkg/databank"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "databank",
		Short: "databank - distributed representational memory engine",
		Long: `databank stores ternary-signal vector banks with typed cross-bank
edges, integer similarity search, and crash-safe persistence.

Commands operate on a cluster data directory: one .bank snapshot per
bank plus an append-only recovery journal.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("databank v%s (%s)\n", version, commit)
		},
	})

	inspectCmd := &cobra.Command{
		Use:   "inspect [file.bank]",
		Short: "Print the contents of one bank snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().Bool("entries", false, "List every entry, not just the summary")
	rootCmd.AddCommand(inspectCmd)

	statsCmd := &cobra.Command{
		Use:   "stats [data-dir]",
		Short: "Summarize every bank in a data directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	compactCmd := &cobra.Command{
		Use:   "compact [data-dir]",
		Short: "Rebuild indexes, prune dangling edges, and rewrite snapshots",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompact,
	}
	rootCmd.AddCommand(compactCmd)

	journalCmd := &cobra.Command{
		Use:   "journal [data-dir]",
		Short: "Print the recovery journal's clean prefix",
		Args:  cobra.ExactArgs(1),
		RunE:  runJournal,
	}
	rootCmd.AddCommand(journalCmd)

	archiveCmd := &cobra.Command{
		Use:   "archive [archive-dir]",
		Short: "List entries preserved by the eviction archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchive,
	}
	archiveCmd.Flags().Uint64("bank", 0, "Bank id to list (required)")
	rootCmd.AddCommand(archiveCmd)

	configCmd := &cobra.Command{
		Use:   "config [file.yaml]",
		Short: "Load and print the effective configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	bank, err := databank.LoadBank(args[0])
	if err != nil {
		return err
	}
	cfg := bank.Config()
	fmt.Printf("Bank %v\n", bank.ID())
	fmt.Printf("  name:            %s\n", bank.Name())
	fmt.Printf("  entries:         %d / %d\n", bank.Len(), cfg.MaxEntries)
	fmt.Printf("  vector width:    %d\n", cfg.VectorWidth)
	fmt.Printf("  edges per entry: %d max\n", cfg.MaxEdgesPerEntry)
	fmt.Printf("  index:           %s\n", indexName(cfg.IndexKind))

	listEntries, _ := cmd.Flags().GetBool("entries")
	if !listEntries {
		return nil
	}
	for id, entry := range bank.Entries() {
		fmt.Printf("  %v temp=%s conf=%d access=%d edges=%d", id,
			entry.Temperature, entry.Confidence, entry.AccessCount, len(entry.Edges))
		if entry.DebugTag != "" {
			fmt.Printf(" tag=%q", entry.DebugTag)
		}
		fmt.Println()
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cluster, err := databank.Open(args[0])
	if err != nil {
		return err
	}
	defer cluster.Close()

	fmt.Printf("%d banks in %s\n", cluster.Len(), args[0])
	for _, id := range cluster.BankIDs() {
		bank, _ := cluster.Get(id)
		cfg := bank.Config()
		edges := 0
		for _, entry := range bank.Entries() {
			edges += len(entry.Edges)
		}
		fmt.Printf("  %-30s %6d entries  %6d edges  width=%d  %s\n",
			bank.Name(), bank.Len(), edges, cfg.VectorWidth, indexName(cfg.IndexKind))
	}
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	cluster, err := databank.Open(args[0])
	if err != nil {
		return err
	}
	defer cluster.Close()

	cluster.Compact()
	// Compact does not count as a mutation, so force every bank out.
	for _, id := range cluster.BankIDs() {
		bank, _ := cluster.Get(id)
		if err := databank.SaveBankAtomic(bank, args[0]); err != nil {
			return err
		}
	}
	fmt.Printf("Compacted %d banks\n", cluster.Len())
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	records, err := databank.ReadJournal(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%d records\n", len(records))
	for i, rec := range records {
		fmt.Printf("  %4d %-14s bank=%v", i, rec.Kind, rec.Bank)
		switch rec.Kind {
		case databank.JournalBatchEvict:
			fmt.Printf(" evicted=%d", len(rec.Evicted))
		case databank.JournalAddEdge:
			fmt.Printf(" entry=%v kind=%s", rec.Entry, rec.Edge.Kind)
		default:
			fmt.Printf(" entry=%v", rec.Entry)
		}
		fmt.Println()
	}
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	bankRaw, _ := cmd.Flags().GetUint64("bank")
	if bankRaw == 0 {
		return fmt.Errorf("--bank is required")
	}
	arc, err := archive.Open(archive.Options{DataDir: args[0]})
	if err != nil {
		return err
	}
	defer arc.Close()

	ids, err := arc.List(databank.BankID(bankRaw))
	if err != nil {
		return err
	}
	fmt.Printf("%d archived entries for bank %#x\n", len(ids), bankRaw)
	for _, id := range ids {
		fmt.Printf("  %v\n", id)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	path := "databank.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("data_dir:                %s\n", cfg.DataDir)
	fmt.Printf("archive_dir:             %s\n", cfg.ArchiveDir)
	fmt.Printf("vector_width:            %d\n", cfg.VectorWidth)
	fmt.Printf("max_entries:             %d\n", cfg.MaxEntries)
	fmt.Printf("max_edges_per_entry:     %d\n", cfg.MaxEdgesPerEntry)
	fmt.Printf("persist_after_mutations: %d\n", cfg.PersistAfterMutations)
	fmt.Printf("persist_after_ticks:     %d\n", cfg.PersistAfterTicks)
	fmt.Printf("index_kind:              %s\n", cfg.IndexKind)
	return nil
}

func indexName(kind databank.IndexKind) string {
	if kind == databank.IndexIVF {
		return "ivf"
	}
	return "brute-force"
}
