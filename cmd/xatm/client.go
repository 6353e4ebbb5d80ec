package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"xatm/config"
	"xatm/xid"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show coordinator diagnostics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("GET", "/api/v1/status")
			},
		},
		newTransactionsCmd(),
		&cobra.Command{
			Use:   "recover",
			Short: "Run a full recovery pass now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("POST", "/api/v1/recovery")
			},
		},
		&cobra.Command{
			Use:   "refresh-recovery <factory-id>",
			Short: "Re-run recovery against one resource manager",
			Long: `refresh-recovery asks the coordinator to query one resource manager
again and resolve what it holds, typically after it came back online.

Example:
  xatm refresh-recovery orders`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call("POST", "/api/v1/recovery/refresh/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "forget <xid>",
			Short: "Forget a heuristic outcome after manual reconciliation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				x, err := xid.Parse(args[0])
				if err != nil {
					return err
				}
				return call("POST", "/api/v1/transactions/"+x.Global().String()+"/forget")
			},
		},
	)
}

func newTransactionsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List the transaction table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/transactions"
			if status != "" {
				path += "?status=" + url.QueryEscape(strings.ToUpper(status))
			}
			return call("GET", path)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only transactions in this state, e.g. HEURISTIC")
	return cmd
}

func baseURL() (string, error) {
	addr := adminAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		addr = cfg.Admin.Addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/"), nil
}

// call sends a request to the admin API and prints the JSON answer.
func call(method, path string) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact coordinator: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var v interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &v); err != nil {
			return fmt.Errorf("decode answer (%s): %w", resp.Status, err)
		}
	}
	if err := printJSON(v); err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("coordinator answered %s", resp.Status)
	}
	return nil
}
