package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/porter/internal/config"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func newSetupCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively write a Porter config file",
		Long:  "Prompts for platform tokens (hidden input) and database settings, then writes the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, outPath)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "porter.yaml", "where to write the config file")
	return cmd
}

func runSetup(cmd *cobra.Command, outPath string) error {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("%s already exists; remove it first or choose another path with --out", outPath)
	}

	var cfg config.Config

	fmt.Fprintln(out, "Porter setup. Leave a token empty to skip that platform.")

	cfg.Discord.Token = promptSecret(out, reader, "Discord bot token")
	cfg.Slack.AppToken = promptSecret(out, reader, "Slack app token (xapp-...)")
	if cfg.Slack.AppToken != "" {
		cfg.Slack.BotToken = promptSecret(out, reader, "Slack bot token (xoxb-...)")
	}
	cfg.GitHub.Token = promptSecret(out, reader, "GitHub token")
	if cfg.GitHub.Token != "" {
		repos := prompt(out, reader, "GitHub repos (owner/name, comma-separated)")
		for _, r := range strings.Split(repos, ",") {
			if r = strings.TrimSpace(r); r != "" {
				cfg.GitHub.Repos = append(cfg.GitHub.Repos, r)
			}
		}
	}

	cfg.Database.Driver = prompt(out, reader, "Database driver [mysql/sqlite] (default mysql)")
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.Path = prompt(out, reader, "SQLite database path")
	} else {
		cfg.Database.Host = prompt(out, reader, "MySQL host (default 127.0.0.1)")
		cfg.Database.Database = prompt(out, reader, "MySQL database (default porter)")
		cfg.Database.Password = promptSecret(out, reader, "MySQL password (empty for none)")
	}

	cfg.CommandsDir = prompt(out, reader, "Command templates directory (default commands)")

	// Validate through the normal parse path so the written file is
	// known-good.
	encoded, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if _, err := config.Parse(encoded); err != nil {
		return err
	}

	if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Fprintf(out, "Wrote %s\n", outPath)
	return nil
}

// prompt reads one visible line.
func prompt(out interface{ Write([]byte) (int, error) }, reader *bufio.Reader, label string) string {
	fmt.Fprintf(out, "%s: ", label)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// promptSecret reads a line with terminal echo disabled. Falls back to
// visible input when stdin is not a terminal (tests, pipes).
func promptSecret(out interface{ Write([]byte) (int, error) }, reader *bufio.Reader, label string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(out, reader, label)
	}
	fmt.Fprintf(out, "%s: ", label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(secret))
}
