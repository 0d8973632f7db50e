package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/david/opportunity-sync/internal/auth"
)

var (
	triggerMode string
	triggerAddr string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running server to start a sync job",
	Long:  `Posts to the server's admin sync endpoint using ADMIN_SECRET. Use --mode full --confirm for a destructive resync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if adminSecret == "" {
			return errors.New("missing ADMIN_SECRET environment variable")
		}

		target, err := triggerURL(triggerAddr, triggerMode, confirmFull)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set(auth.AdminHeader, adminSecret)

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("error sending request: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		fmt.Fprintf(cmd.OutOrStdout(), "Response Status: %s\n%s\n", resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("server refused %s sync: %s", triggerMode, resp.Status)
		}
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Print the bcrypt hash for server.admin_secret_hash",
	Long:  `Hashes the secret given as an argument, or read from the first line of stdin.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			secret = line
		}
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return errors.New("secret must not be empty")
		}

		hash, err := auth.HashSecret(secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerMode, "mode", "incremental", "Sync mode: incremental, backfill or full")
	triggerCmd.Flags().StringVar(&triggerAddr, "addr", "http://localhost:8081", "Server base URL")
	triggerCmd.Flags().BoolVar(&confirmFull, "confirm", false, "Confirm a full resync")
}

func triggerURL(addr, mode string, confirm bool) (string, error) {
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return "", fmt.Errorf("invalid server address %q", addr)
	}
	switch mode {
	case "incremental", "backfill":
	case "full":
		if !confirm {
			return "", errors.New("full resync drops all synced data; pass --confirm")
		}
	default:
		return "", fmt.Errorf("unknown sync mode %q", mode)
	}

	u := base.JoinPath("/api/v1/sync", mode)
	if mode == "full" {
		u.RawQuery = "confirm=true"
	}
	return u.String(), nil
}
