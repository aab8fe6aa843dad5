package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/clipagent/internal/jobs"
	"github.com/Dicklesworthstone/clipagent/internal/router"
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently saved items",
	Args:  cobra.NoArgs,
	RunE:  runRecent,
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show the remaining processing credits",
	Args:  cobra.NoArgs,
	RunE:  runCredits,
}

var buttonCmd = &cobra.Command{
	Use:   "button <url>",
	Short: "Show the save button state a browser surface would render for a URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runButton,
}

func init() {
	recentCmd.Flags().Int("limit", 20, "number of items to show")
	recentCmd.Flags().Bool("json", false, "output in JSON format")
	creditsCmd.Flags().Bool("json", false, "output in JSON format")
	buttonCmd.Flags().Bool("json", false, "output in JSON format")

	rootCmd.AddCommand(recentCmd, creditsCmd, buttonCmd)
}

func runRecent(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var data router.RecentData
	if err := send(cmd.Context(), router.TypeGetRecentSaves, map[string]int{"limit": limit}, &data); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), data)
	}

	out := cmd.OutOrStdout()
	if len(data.Items) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("Nothing saved yet."))
		return nil
	}
	for _, item := range data.Items {
		age := formatDurationShort(time.Since(item.SavedAt))
		name := item.Title
		if name == "" {
			name = item.URL
		}
		fmt.Fprintf(out, "%s  %s\n", mutedStyle.Render(fmt.Sprintf("%6s ago", age)), ansi.Truncate(name, 80, "…"))
	}
	return nil
}

func runCredits(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var data router.CreditsData
	if err := send(cmd.Context(), router.TypeGetCredits, nil, &data); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), data)
	}

	style := okStyle
	if data.Remaining == 0 {
		style = errorStyle
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s credits left (%d of %d used, %s plan)\n",
		style.Render(fmt.Sprint(data.Remaining)), data.CreditsUsed, data.CreditsTotal, data.Tier)
	return nil
}

func runButton(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var st jobs.ButtonState
	if err := send(cmd.Context(), router.TypeGetButtonState, map[string]string{"url": args[0]}, &st); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	line := toneStyle(st.Tone).Render(st.Label)
	if st.Disabled {
		line += mutedStyle.Render(" (disabled)")
	}
	if st.JobID != "" {
		line += mutedStyle.Render("  job " + st.JobID)
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}
