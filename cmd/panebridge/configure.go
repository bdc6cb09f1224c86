package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/martinwickman/panebridge/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure [token]",
	Short: "Save a new bot token and restart the bridge",
	Long: `Saves the Telegram bot token and (re)starts the bridge with it. Without
an argument the token is read from the terminal without echo, or from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	var token string
	if len(args) == 1 {
		token = args[0]
	} else if token, err = readToken(); err != nil {
		return err
	}
	if err := config.SaveToken(token); err != nil {
		return err
	}
	fmt.Printf("Token saved to %s.\n", config.TokenPath())

	if _, stopped, err := stopBridge(e.store); err != nil {
		return err
	} else if stopped {
		fmt.Println("Restarting bridge...")
	}
	return startBridge(cmd.Context(), e)
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Bot token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", config.ErrNotConfigured
	}
	return strings.TrimSpace(line), nil
}
