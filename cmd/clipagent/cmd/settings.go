package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/clipagent/internal/router"
	"github.com/Dicklesworthstone/clipagent/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change endpoint overrides and defaults",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show current settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change settings",
	Long: `Change one or more settings. Unspecified settings keep their value.
Pass an empty string to go back to the default endpoint.

Examples:
  clipagent settings set --api-base https://staging-api.example.com
  clipagent settings set --analyze-frames=true
  clipagent settings set --api-base ""`,
	Args: cobra.NoArgs,
	RunE: runSettingsSet,
}

func init() {
	settingsGetCmd.Flags().Bool("json", false, "output in JSON format")
	settingsSetCmd.Flags().String("api-base", "", "API base URL")
	settingsSetCmd.Flags().String("webapp-base", "", "web app base URL")
	settingsSetCmd.Flags().Bool("analyze-frames", false, "analyze frames by default")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var st settings.Settings
	if err := send(cmd.Context(), router.TypeGetSettings, nil, &st); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printSettings(cmd, st)
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	var st settings.Settings
	if err := send(cmd.Context(), router.TypeGetSettings, nil, &st); err != nil {
		return err
	}

	changed := false
	if cmd.Flags().Changed("api-base") {
		st.APIBase, _ = cmd.Flags().GetString("api-base")
		changed = true
	}
	if cmd.Flags().Changed("webapp-base") {
		st.WebappBase, _ = cmd.Flags().GetString("webapp-base")
		changed = true
	}
	if cmd.Flags().Changed("analyze-frames") {
		st.DefaultAnalyzeFrames, _ = cmd.Flags().GetBool("analyze-frames")
		changed = true
	}
	if !changed {
		return fmt.Errorf("nothing to change (see --help)")
	}

	var resp router.SettingsData
	if err := send(cmd.Context(), router.TypeSaveSettings, st, &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Settings saved"))
	printSettings(cmd, resp.Settings)
	return nil
}

func printSettings(cmd *cobra.Command, st settings.Settings) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  %-24s %s\n", "api base", st.APIBase)
	fmt.Fprintf(out, "  %-24s %s\n", "webapp base", st.WebappBase)
	fmt.Fprintf(out, "  %-24s %t\n", "analyze frames by default", st.DefaultAnalyzeFrames)
}
