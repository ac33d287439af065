package commands

import (
	"fmt"
	"time"

	"github.com/kiwix/hotspot-imager/internal/config"
	"github.com/kiwix/hotspot-imager/pkg/db"
	"github.com/kiwix/hotspot-imager/pkg/errors"
	"github.com/spf13/cobra"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List past builds and their outcome",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show builds with this status (running, succeeded, failed)")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	builds, err := repo.List(listStatus)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	w := cmd.OutOrStdout()
	if len(builds) == 0 {
		fmt.Fprintln(w, "No builds found")
		return nil
	}

	fmt.Fprintf(w, "%-36s %-20s %-10s %-8s %-10s %-24s %s\n", "RUN", "NAME", "STATUS", "STAGE", "DURATION", "ERROR", "IMAGE")
	fmt.Fprintln(w, "------------------------------------------------------------------------------------------------------------------------")

	for _, b := range builds {
		total := time.Duration(b.InitMS+b.MasterMS+b.WriteMS) * time.Millisecond
		fmt.Fprintf(w, "%-36s %-20s %-10s %-8s %-10s %-24s %s\n",
			b.RunID, b.Name, b.Status, dash(b.Stage), total.Round(time.Second), dash(b.ErrorKind), dash(b.ImagePath))
	}

	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
