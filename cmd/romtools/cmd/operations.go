package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	romtools "github.com/dogeorg/romtools/pkg"
)

// runOperation initializes the manager and runs one operation to
// completion, through the TUI when --tui is set.
func runOperation(cmd *cobra.Command, req romtools.RomOperationRequest) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.manager.Initialize(ctx); err != nil {
		a.log.WithError(err).Warn("Continuing with partial device information")
	}

	req.Context.Origin = "cli"
	useTUI, _ := cmd.Flags().GetBool("tui")

	var resp romtools.OperationResponse
	if useTUI {
		a.manager.SetConsole(io.Discard)
		resp, err = runTUI(ctx, a.manager, req)
		if err != nil {
			return err
		}
	} else {
		resp = a.manager.ProcessRomOperation(ctx, req)
	}

	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp romtools.OperationResponse) error {
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else if resp.Success {
		fmt.Fprintln(out, successStyle.Render("✔ "+resp.Message))
	} else {
		fmt.Fprintln(out, errorStyle.Render("✘ "+resp.Message))
		if resp.Error != "" {
			fmt.Fprintln(out, subtitleStyle.Render("  "+resp.Error))
		}
	}

	if resp.Success {
		return nil
	}
	// a staged recovery script is an expected outcome, not a crash
	if resp.ScriptPath != "" {
		fmt.Fprintf(out, "Reboot to a custom recovery and run:\n  sh %s\n", resp.ScriptPath)
		return nil
	}
	return fmt.Errorf("%s failed", resp.Operation)
}

func addOperationFlags(c *cobra.Command) {
	c.Flags().Bool("tui", false, "Show an interactive progress view")
	c.Flags().Bool("json", false, "Print the operation response as JSON")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list and delete backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a NANDroid backup, or a full app backup with --full",
	Long: `Create a backup.

A NANDroid backup dumps boot, recovery, system, vendor and product images
and archives userdata. Without root it falls back to a full app backup.

Example:
  romtools backup create --name before-update
  romtools backup create --full --package org.example.app`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		full, _ := cmd.Flags().GetBool("full")
		kind := romtools.BackupKindNandroid
		if full {
			kind = romtools.BackupKindFull
		}
		return runOperation(cmd, romtools.RomOperationRequest{
			Operation: romtools.CreateBackup{Name: name, Kind: kind},
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Restore a backup",
	Long: `Restore a backup by name.

App backups are restored in place. NANDroid backups produce a
restore_nandroid.sh script inside the backup directory that must be run
from a custom recovery.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, romtools.RomOperationRequest{
			Operation: romtools.RestoreBackup{Name: args[0]},
		})
	},
}

var flashCmd = &cobra.Command{
	Use:   "flash <rom.zip|url>",
	Short: "Stage a ROM package and its recovery flash script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, romtools.RomOperationRequest{
			Operation: romtools.FlashRom{},
			SourceURI: args[0],
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Apply Genesis system optimizations (root)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, romtools.RomOperationRequest{Operation: romtools.GenesisOptimizations{}})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock-bootloader",
	Short: "Report how to unlock the bootloader",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, romtools.RomOperationRequest{Operation: romtools.UnlockBootloader{}})
	},
}

func init() {
	backupCreateCmd.Flags().String("name", "", "Optional label included in the backup directory name")
	backupCreateCmd.Flags().Bool("full", false, "Create a full app backup instead of a NANDroid backup")

	for _, c := range []*cobra.Command{backupCreateCmd, restoreCmd, flashCmd, optimizeCmd, unlockCmd} {
		addOperationFlags(c)
	}

	backupCmd.AddCommand(backupCreateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(unlockCmd)
}
