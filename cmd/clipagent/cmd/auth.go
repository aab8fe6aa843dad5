package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/clipagent/internal/auth"
	"github.com/Dicklesworthstone/clipagent/internal/credential"
	"github.com/Dicklesworthstone/clipagent/internal/router"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login state and daemon health",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Long: `Sign in and store the session in the daemon.

The password is read without echo from the terminal, or from stdin when
piped.

Examples:
  clipagent login --email you@example.com
  echo "$PASSWORD" | clipagent login --email you@example.com`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var setTokenCmd = &cobra.Command{
	Use:   "set-token <token>",
	Short: "Store a session token issued by the web app",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetToken,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget tracked jobs",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func init() {
	statusCmd.Flags().Bool("json", false, "output in JSON format")
	loginCmd.Flags().String("email", "", "account email")
	setTokenCmd.Flags().Int64("expires-in", 0, "token lifetime in seconds (default: read from the token)")
	setTokenCmd.Flags().String("email", "", "account email to display")

	rootCmd.AddCommand(statusCmd, loginCmd, setTokenCmd, logoutCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var st auth.Status
	if err := send(cmd.Context(), router.TypeGetAuthStatus, nil, &st); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}

	out := cmd.OutOrStdout()
	if !st.IsLoggedIn {
		fmt.Fprintln(out, warnStyle.Render("Signed out"))
		return nil
	}
	who := "(unknown user)"
	if st.User != nil {
		who = firstNonEmpty(st.User.Email, st.User.Name, st.User.ID)
	}
	fmt.Fprintf(out, "%s as %s\n", okStyle.Render("Signed in"), who)
	if st.ExpiresAt != nil {
		left := time.Until(*st.ExpiresAt)
		fmt.Fprintf(out, "  Token expires %s (in %s)\n", st.ExpiresAt.Local().Format(time.RFC1123), formatDurationShort(left))
	} else {
		fmt.Fprintln(out, mutedStyle.Render("  Token expiry unknown"))
	}
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	if strings.TrimSpace(email) == "" {
		var err error
		email, err = promptLine("Email: ")
		if err != nil {
			return err
		}
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	var st auth.Status
	if err := send(cmd.Context(), router.TypeLogin, map[string]string{"email": email, "password": password}, &st); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s as %s\n", okStyle.Render("Signed in"), email)
	return nil
}

func runSetToken(cmd *cobra.Command, args []string) error {
	expiresIn, _ := cmd.Flags().GetInt64("expires-in")
	email, _ := cmd.Flags().GetString("email")

	payload := map[string]any{"token": args[0], "expiresIn": expiresIn}
	if email != "" {
		payload["user"] = credential.User{Email: email}
	}
	if err := send(cmd.Context(), router.TypeSetToken, payload, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("Token stored"), mutedStyle.Render(auth.RedactToken(args[0])))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := send(cmd.Context(), router.TypeLogout, nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	// Non-terminal input (piped)
	return readLine()
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	return readLine()
}

var stdin = bufio.NewReader(os.Stdin)

func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
