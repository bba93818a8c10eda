package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	romtools "github.com/dogeorg/romtools/pkg"
	"github.com/dogeorg/romtools/pkg/utils"
)

func yesNo(b bool) string {
	if b {
		return successStyle.Render("yes")
	}
	return errorStyle.Render("no")
}

func renderCapabilities(c romtools.RomCapabilities) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, subtitleStyle.Width(22).Render(label), value)
	}
	rows := []string{
		titleStyle.Render(fmt.Sprintf("%s (Android %s)", c.DeviceModel, c.AndroidVersion)),
		row("Root", yesNo(c.HasRoot)),
		row("Bootloader unlocked", yesNo(c.BootloaderUnlocked)),
		row("Recovery access", yesNo(c.HasRecovery)),
		row("Custom recovery", yesNo(c.HasCustomRecovery)),
		row("Recovery partition", yesNo(c.RecoveryPartition)),
		row("System writable", yesNo(c.SystemWritable)),
		row("Architectures", normalStyle.Render(utils.JoinOrDash(c.Architectures))),
		row("Kernel", normalStyle.Render(c.KernelVersion)),
		row("Backup free space", normalStyle.Render(utils.PrettyPrintDiskSize(int64(c.BackupFreeBytes)))),
	}
	for _, d := range c.BlockDevices {
		rows = append(rows, row("  "+d.Name, normalStyle.Render(fmt.Sprintf("%s %s", d.Type, utils.PrettyPrintDiskSize(d.Size)))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "Probe root, bootloader and recovery state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.Initialize(context.Background()); err != nil {
			a.log.WithError(err).Warn("Capability probe incomplete")
		}
		caps := a.manager.State().Capabilities

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), caps)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderCapabilities(caps))
		return nil
	},
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Inspect or install a custom recovery",
}

var recoveryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report recovery access and whether a custom recovery is installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.Initialize(context.Background()); err != nil {
			a.log.WithError(err).Warn("Capability probe incomplete")
		}
		caps := a.manager.State().Capabilities
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Recovery access: %s\n", yesNo(caps.HasRecovery))
		fmt.Fprintf(out, "Custom recovery: %s\n", yesNo(caps.HasCustomRecovery))
		if !caps.HasRoot {
			fmt.Fprintln(out, subtitleStyle.Render("Root is unavailable, recovery checks were skipped"))
		}
		return nil
	},
}

var recoveryInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a custom recovery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, romtools.RomOperationRequest{Operation: romtools.InstallRecovery{}})
	},
}

func init() {
	capabilitiesCmd.Flags().Bool("json", false, "Print capabilities as JSON")
	addOperationFlags(recoveryInstallCmd)

	recoveryCmd.AddCommand(recoveryCheckCmd)
	recoveryCmd.AddCommand(recoveryInstallCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(recoveryCmd)
}
