package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/config"
	"github.com/flitsinc/go-relay/internal/logging"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored chat history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			snap, err := loadSnapshot(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if limit > 0 && len(snap.Messages) > limit {
				snap.Messages = snap.Messages[len(snap.Messages)-limit:]
			}
			return printHistory(cmd.OutOrStdout(), snap, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw {messages, updated} document")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last n messages")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	var (
		offline bool
		url     string
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the chat history",
		Long: `Clear the chat history through the running server so connected clients
are told. With --offline the history store is emptied directly; only use it
while the server is stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if offline {
				if err := clearOffline(cmd.Context(), cfg); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
				return nil
			}
			if url == "" {
				url = baseURL(cfg.HTTPAddr)
			}
			if err := clearRemote(cmd.Context(), url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "rewrite the store directly instead of calling the server")
	cmd.Flags().StringVar(&url, "url", "", "server base URL (default derived from the listen address)")
	return cmd
}

func loadSnapshot(ctx context.Context, cfg config.Config) (chat.Snapshot, error) {
	persister, closeStore, err := openPersister(cfg)
	if err != nil {
		return chat.Snapshot{}, err
	}
	defer closeStore()
	return persister.Load(ctx)
}

func clearOffline(ctx context.Context, cfg config.Config) error {
	persister, closeStore, err := openPersister(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	store := chat.NewStore(persister, cfg.HistoryLimit, logging.Nop())
	return store.Clear(ctx)
}

func clearRemote(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/chat/clear", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact server (use --offline if it is stopped): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// baseURL turns a listen address such as ":8080" into a local URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func printHistory(w io.Writer, snap chat.Snapshot, asJSON bool) error {
	if asJSON {
		if snap.Messages == nil {
			snap.Messages = []chat.Message{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	if len(snap.Messages) == 0 {
		_, err := fmt.Fprintln(w, "no messages")
		return err
	}
	for _, m := range snap.Messages {
		marker := ""
		if m.Streaming {
			marker = " (streaming)"
		}
		if _, err := fmt.Fprintf(w, "%s  %-6s  %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.Origin, m.Text, marker); err != nil {
			return err
		}
	}
	return nil
}
