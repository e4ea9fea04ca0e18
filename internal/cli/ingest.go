package cli

import (
	"fmt"

	"github.com/harun/screencraft/internal/daemon"
	"github.com/spf13/cobra"
)

var ingestDir string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index screen documents into the knowledge base",
	Long: `Index the markdown screen documents under the screens directory into the
knowledge base. Changed documents are re-embedded, unchanged ones skipped
and documents that no longer exist removed.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "screens directory (default: knowledge.screens_dir)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.Knowledge.ScreensDir
	if ingestDir != "" {
		dir = ingestDir
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := daemon.OpenKnowledge(cfg, log.Component("knowledge"))
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.Sync(cmd.Context(), dir)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", dir, err)
	}
	total, err := store.Count(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to count screens: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexed: %d\n", report.Indexed)
	fmt.Fprintf(out, "Unchanged: %d\n", report.Skipped)
	fmt.Fprintf(out, "Removed: %d\n", report.Pruned)
	fmt.Fprintf(out, "Failed: %d\n", report.Failed)
	fmt.Fprintf(out, "Screens: %d\n", total)

	if report.Failed > 0 {
		return fmt.Errorf("%d screen documents failed to index", report.Failed)
	}
	return nil
}
