// Package main implements taskctl, the CLI for taskd.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the taskd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "CLI for the taskd task orchestration engine",
		Long: `taskctl validates task templates locally and drives tasks on a taskd
server: create, drive, status, history, respond, skip and cancel.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8420", "taskd server URL")
	root.AddCommand(newTemplateCmd())
	root.AddCommand(newTaskCmds()...)
	root.AddCommand(healthCmd)
	return root
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check taskd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status string `json:"status"`
		}
		if err := call(http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		cmd.Printf("Server Status: %s\n", resp.Status)
		cmd.Printf("Server URL: %s\n", serverURL)
		return nil
	},
}

// apiError matches the error body written by the server.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// call sends a JSON request to the server and decodes a JSON answer into
// out, when out is non-nil.
func call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := serverURL + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: 5 * time.Minute,
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Error != "" {
			if ae.Kind != "" {
				return fmt.Errorf("server returned status %d (%s): %s", resp.StatusCode, ae.Kind, ae.Error)
			}
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
