package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"
)

var (
	statsURL   string
	statsToken string
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "show statistics of a running fleetd server",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(&statsURL, "url", "http://localhost:8090", "server base URL")
	statsCmd.Flags().StringVar(&statsToken, "token", "", "bearer token when the API is protected")

	CMD.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, statsURL+"/api/stats", nil)
	if err != nil {
		return err
	}
	if statsToken != "" {
		req.Header.Set("Authorization", "Bearer "+statsToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return err
	}

	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()

	if sources, ok := doc["sources"].([]any); ok {
		tbl := table.New("SOURCE", "CONNECTED", "MESSAGES", "BYTES", "RECONNECTS")
		tbl.WithHeaderFormatter(headerFmt)
		for _, raw := range sources {
			src, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			tbl.AddRow(src["name"], src["connected"], src["messages_received"],
				src["bytes_received"], src["reconnect_count"])
		}
		tbl.Print()
		fmt.Println()
	}

	for _, section := range []string{"processing", "parser", "watchlist", "state", "database"} {
		values, ok := doc[section].(map[string]any)
		if !ok {
			continue
		}
		tbl := table.New(section, "VALUE")
		tbl.WithHeaderFormatter(headerFmt)

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch values[k].(type) {
			case map[string]any, []any:
				continue
			}
			tbl.AddRow(k, values[k])
		}
		tbl.Print()
		fmt.Println()
	}

	if ws, ok := doc["websocket"].(map[string]any); ok {
		if clients, ok := ws["clients"].(map[string]any); ok {
			tbl := table.New("POOL", "SUBSCRIBERS")
			tbl.WithHeaderFormatter(headerFmt)
			pools := make([]string, 0, len(clients))
			for p := range clients {
				pools = append(pools, p)
			}
			sort.Strings(pools)
			for _, p := range pools {
				tbl.AddRow(p, clients[p])
			}
			tbl.Print()
		}
	}

	return nil
}
