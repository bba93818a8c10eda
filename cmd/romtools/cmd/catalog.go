package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	romtools "github.com/dogeorg/romtools/pkg"
	"github.com/dogeorg/romtools/pkg/system"
	"github.com/dogeorg/romtools/pkg/utils"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backupTable(backups []romtools.BackupInfo, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(subtitleStyle).
		Headers("NAME", "TYPE", "CREATED", "SIZE", "DEVICE", "CONTENTS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return selectedStyle.Padding(0, 1)
			}
			return normalStyle.Padding(0, 1)
		})

	for _, b := range backups {
		kind := "app"
		if b.Type == romtools.BackupTypeNandroid {
			kind = "nandroid"
		}
		device := strings.TrimSpace(b.DeviceModel + " " + b.AndroidVersion)
		if device == "" {
			device = "-"
		}
		t.Row(
			b.Name,
			kind,
			utils.PrettyPrintAge(b.Created(), now),
			utils.PrettyPrintDiskSize(b.Size),
			device,
			utils.JoinOrDash(b.Partitions),
		)
	}
	return t.Render()
}

var backupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List backups, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		backups, err := a.manager.ListBackups(context.Background())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, backups)
		}
		if len(backups) == 0 {
			fmt.Fprintf(out, "No backups in %s\n", a.config.BackupDir)
			return nil
		}
		fmt.Fprintln(out, backupTable(backups, time.Now()))
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:     "delete <backup>...",
	Aliases: []string{"rm"},
	Short:   "Delete backups by name",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		failed := 0
		for _, name := range args {
			if err := a.manager.DeleteBackup(context.Background(), name); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(fmt.Sprintf("✘ %s: %v", name, err)))
				failed++
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✔ Deleted "+name))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d backups not deleted", failed, len(args))
		}
		return nil
	},
}

var backupRepairCmd = &cobra.Command{
	Use:   "repair <backup>...",
	Short: "Rewrite backup manifests from the files each backup holds",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		failed := 0
		for _, name := range args {
			if name != filepath.Base(name) {
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(fmt.Sprintf("✘ %s: not a backup name", name)))
				failed++
				continue
			}
			manifest, err := system.RepairManifest(filepath.Join(config.BackupDir, name))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(fmt.Sprintf("✘ %s: %v", name, err)))
				failed++
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✔ Repaired %s (%s)", name, utils.JoinOrDash(manifest.Partitions))))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d manifests not repaired", failed, len(args))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		limit, _ := cmd.Flags().GetInt("limit")
		records, err := a.manager.History(limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, records)
		}
		now := time.Now()
		for _, r := range records {
			style := successStyle
			switch r.Status {
			case romtools.OperationStatusFailed:
				style = errorStyle
			case romtools.OperationStatusInProgress:
				style = progressStyle
			}
			fmt.Fprintf(out, "%s  %-24s %-10s %s\n",
				subtitleStyle.Render(r.ID[:min(8, len(r.ID))]),
				r.DisplayName,
				style.Render(string(r.Status)),
				utils.PrettyPrintAge(r.Started, now),
			)
			msg := r.SummaryMessage
			if r.ErrorMessage != "" {
				msg = r.ErrorMessage
			}
			if msg != "" {
				fmt.Fprintf(out, "          %s\n", msg)
			}
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished operation records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		n, err := a.history.ClearFinished(olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d operation records\n", n)
		return nil
	},
}

func init() {
	backupListCmd.Flags().Bool("json", false, "Print backups as JSON")
	historyCmd.Flags().Bool("json", false, "Print records as JSON")
	historyCmd.Flags().Int("limit", 20, "Number of records to show")
	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Only remove records finished longer ago than this")

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupRepairCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}
