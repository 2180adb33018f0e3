package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftfs/nfsd/internal/cli/output"
)

var (
	exportServerURL string
	exportToken     string
	exportOutput    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "List configured NFS exports",
	Long: `List the exports currently served by a running nfsd instance, by
querying its admin API.

Examples:
  # List exports from the local admin API
  nfsd export --token $NFSD_ADMIN_TOKEN

  # List exports from a remote instance
  nfsd export --server http://nfsd.example.com:8080 --token $NFSD_ADMIN_TOKEN`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportServerURL, "server", "http://127.0.0.1:8080", "Admin API base URL")
	exportCmd.Flags().StringVar(&exportToken, "token", "", "Admin API bearer token")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

type exportRow struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

type exportTable []exportRow

func (t exportTable) Headers() []string { return []string{"NAME", "BACKEND"} }

func (t exportTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{e.Name, e.Backend})
	}
	return rows
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(exportOutput)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(http.MethodGet, exportServerURL+"/exports", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if exportToken != "" {
		req.Header.Set("Authorization", "Bearer "+exportToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin API at %s: %w", exportServerURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %s: %s", resp.Status, string(body))
	}

	var exports exportTable
	if err := json.Unmarshal(body, &exports); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	printer := output.NewPrinter(cmd.OutOrStdout(), format, true)
	return printer.Print(exports)
}
