package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Commands that need the live WhatsApp gateway go through the running bot's
// admin API instead of touching the database directly.

var apiBase string

func addAPIBaseFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiBase, "api", "http://localhost:8000", "base URL of the running bot")
}

func postAdmin(path string) (string, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(strings.TrimRight(apiBase, "/")+path, "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func newSendQuestionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send-question <user-id>",
		Short: "Ask the running bot to deliver a question to a user now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			out, err := postAdmin(fmt.Sprintf("/admin/users/%d/send-question", id))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	addAPIBaseFlag(cmd)
	return cmd
}

func newContactCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Ask the running bot to start onboarding uncontacted users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := postAdmin(fmt.Sprintf("/admin/contact?limit=%d", limit))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum users to contact in one batch")
	addAPIBaseFlag(cmd)
	return cmd
}
