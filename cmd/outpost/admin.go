package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"outpost/internal/store"
)

// adminClient talks to a running proxy's operator API.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) *adminClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &adminClient{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 2 * time.Minute}}
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addAdminFlag(cmd *cobra.Command, addr *string) {
	cmd.PersistentFlags().StringVarP(addr, "admin", "a", "127.0.0.1:8081", "admin api address")
}

type queueRow struct {
	ID         uint64    `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func newQueueCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and purge queued mutations.",
	}
	addAdminFlag(cmd, &addr)

	cmd.AddCommand(&cobra.Command{
		Use:          "list",
		Short:        "List queued mutations in replay order.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []queueRow
			if err := newAdminClient(addr).do(cmd.Context(), http.MethodGet, "/_outpost/queue", &rows); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMETHOD\tURL\tBYTES\tQUEUED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.ID, r.Method, r.URL, len(r.Body), r.EnqueuedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "purge <id>",
		Short:        "Drop a queued mutation without replaying it.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := store.ParseID(args[0])
			if err != nil {
				return err
			}
			if err := newAdminClient(addr).do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/_outpost/queue/%d", id), nil); err != nil {
				return err
			}
			fmt.Printf("purged %d\n", id)
			return nil
		},
	})
	return cmd
}

type syncReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Results   []struct {
		ID      uint64 `json:"id"`
		Method  string `json:"method"`
		URL     string `json:"url"`
		Success bool   `json:"success"`
		Status  int    `json:"status"`
		Error   string `json:"error"`
	} `json:"results"`
}

func newSyncCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "sync",
		Short:        "Run a sync pass now and print its report.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep syncReport
			if err := newAdminClient(addr).do(cmd.Context(), http.MethodPost, "/_outpost/sync", &rep); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMETHOD\tURL\tRESULT")
			for _, r := range rep.Results {
				result := "ok"
				if !r.Success {
					result = r.Error
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, r.Method, r.URL, result)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("attempted %d, succeeded %d, failed %d\n", rep.Attempted, rep.Succeeded, rep.Failed)
			return nil
		},
	}
	addAdminFlag(cmd, &addr)
	return cmd
}

func newFlushCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "flush",
		Short:        "Activate an installed generation that is waiting for activation.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Current string `json:"current"`
			}
			if err := newAdminClient(addr).do(cmd.Context(), http.MethodPost, "/_outpost/lifecycle/flush", &st); err != nil {
				return err
			}
			fmt.Printf("active generation %s\n", st.Current)
			return nil
		},
	}
	addAdminFlag(cmd, &addr)
	return cmd
}
