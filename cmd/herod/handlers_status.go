package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// runStatus queries a running server's health endpoint and prints it.
func runStatus(cmd *cobra.Command, configPath, serverAddr string, jsonOutput bool, token, apiKey string) error {
	baseURL, err := resolveBaseURL(configPath, serverAddr)
	if err != nil {
		return err
	}

	client := newAPIClient(baseURL, token, apiKey)
	var health healthStatus
	if err := client.getJSON(cmd.Context(), "/health", &health); err != nil {
		return fmt.Errorf("server unreachable at %s: %w", baseURL, err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	}

	fmt.Fprintf(out, "Server:   %s\n", baseURL)
	fmt.Fprintf(out, "Status:   %s\n", health.Status)
	fmt.Fprintf(out, "Database: %s\n", health.DB)
	fmt.Fprintf(out, "Version:  %s\n", health.Version)
	fmt.Fprintf(out, "Uptime:   %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	return nil
}
