package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Bridge stdio JSON-RPC to a running orchestrator",
	Long: `Relay newline-delimited JSON-RPC between stdin/stdout and a running
orchestrator's HTTP endpoint. Codex-style instances use this as their MCP
server command, so every transport talks to the same orchestrator state.

Example:
  hivemux stdio                                  # Bridge to the configured address
  hivemux stdio --url http://127.0.0.1:7600/rpc  # Explicit endpoint`,
	RunE: runStdio,
}

var stdioURL string

func init() {
	rootCmd.AddCommand(stdioCmd)

	stdioCmd.Flags().StringVar(&stdioURL, "url", "", "Orchestrator RPC endpoint (overrides config)")
}

func runStdio(_ *cobra.Command, _ []string) error {
	url := stdioURL
	if url == "" {
		url = cfg.Server.ToolURL()
	}
	client := &http.Client{Timeout: 10 * time.Minute}
	return runStdioBridge(os.Stdin, os.Stdout, client, url)
}

// runStdioBridge forwards each stdin line to the RPC endpoint and writes
// the response line to stdout. Notifications are forwarded but produce no
// output line.
func runStdioBridge(in io.Reader, out io.Writer, client *http.Client, url string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		body, err := forward(client, url, line)
		if err != nil {
			body = transportError(line, err)
		}
		if isNotificationLine(line) {
			continue
		}
		if _, err := out.Write(append(body, '\n')); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func forward(client *http.Client, url string, line []byte) ([]byte, error) {
	resp, err := client.Post(url, "application/json", bytes.NewReader(line))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return bytes.TrimSpace(body), nil
}

func isNotificationLine(line []byte) bool {
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return false
	}
	return len(req.ID) == 0 || string(req.ID) == "null"
}

// transportError builds a JSON-RPC internal error carrying the request ID,
// for when the orchestrator is unreachable.
func transportError(line []byte, err error) []byte {
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(line, &req)

	resp := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32603,
			"message": fmt.Sprintf("orchestrator unreachable: %v", err),
		},
	}
	if len(req.ID) > 0 {
		resp["id"] = req.ID
	}
	data, _ := json.Marshal(resp)
	return data
}
