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

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base  string
	token string
	httpc *http.Client
}

func newClient() *client {
	base := os.Getenv("CYPHERRAY_API")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	return &client{
		base:  base,
		token: os.Getenv("ADMIN_TOKEN"),
		httpc: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, payload)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		fmt.Println(string(payload))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cypherctl",
		Short:         "Operator utility for the cypher-ray backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newQueueCommand())
	cmd.AddCommand(newJanitorCommand())
	cmd.AddCommand(newCreditsCommand())
	return cmd
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue inspection and maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue entry counts by state",
		RunE: func(*cobra.Command, []string) error {
			return newClient().do(http.MethodGet, "/admin/queue/stats", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Purge every queue entry, in-flight leases included",
		RunE: func(*cobra.Command, []string) error {
			return newClient().do(http.MethodPost, "/admin/queue/clear", nil)
		},
	})
	return cmd
}

func newJanitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Retention sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Trigger a retention sweep now",
		RunE: func(*cobra.Command, []string) error {
			return newClient().do(http.MethodPost, "/admin/janitor/run", nil)
		},
	})
	return cmd
}

func newCreditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Ledger adjustments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		userID      string
		amount      int
		description string
		bonus       bool
	)

	set := &cobra.Command{
		Use:   "set",
		Short: "Replace a user's balance outright",
		RunE: func(*cobra.Command, []string) error {
			return newClient().do(http.MethodPost, "/admin/credits/set", map[string]any{
				"user_id":     userID,
				"amount":      amount,
				"description": description,
			})
		},
	}
	set.Flags().StringVar(&userID, "user", "", "User id")
	set.Flags().IntVar(&amount, "amount", 0, "New balance")
	set.Flags().StringVar(&description, "description", "", "Transaction description")
	_ = set.MarkFlagRequired("user")
	_ = set.MarkFlagRequired("amount")

	add := &cobra.Command{
		Use:   "add",
		Short: "Grant credits to a user",
		RunE: func(*cobra.Command, []string) error {
			return newClient().do(http.MethodPost, "/admin/credits/add", map[string]any{
				"user_id":     userID,
				"amount":      amount,
				"description": description,
				"bonus":       bonus,
			})
		},
	}
	add.Flags().StringVar(&userID, "user", "", "User id")
	add.Flags().IntVar(&amount, "amount", 0, "Credits to grant")
	add.Flags().StringVar(&description, "description", "", "Transaction description")
	add.Flags().BoolVar(&bonus, "bonus", false, "Record as a bonus grant")
	_ = add.MarkFlagRequired("user")
	_ = add.MarkFlagRequired("amount")

	cmd.AddCommand(set)
	cmd.AddCommand(add)
	return cmd
}
