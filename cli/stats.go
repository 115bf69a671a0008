package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ogzhanolguncu/peernet/node"
	"github.com/ogzhanolguncu/peernet/peer"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func init() {
	statsCmd.Flags().StringVar(&statsAPI, "api", "127.0.0.1:9100", "Admin API address of the node")
	statsCmd.Flags().DurationVar(&statsTimeout, "timeout", 5*time.Second, "Request timeout")
	rootCmd.AddCommand(statsCmd)
}

var (
	statsAPI     string
	statsTimeout time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the network state of a running node",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statsTimeout)
	defer cancel()

	base := baseURL(statsAPI)
	var stats node.Stats
	if err := fetchJSON(ctx, base+"/stats", &stats); err != nil {
		return err
	}
	var peers []peer.Snapshot
	if err := fetchJSON(ctx, base+"/peers", &peers); err != nil {
		return err
	}

	if err := pterm.DefaultTable.WithData(statsTable(stats)).Render(); err != nil {
		return err
	}
	if len(peers) == 0 {
		pterm.Info.Println("No peers.")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(peersTable(peers, time.Now())).Render()
}

func statsTable(stats node.Stats) pterm.TableData {
	status := pterm.LightGreen("connected")
	switch {
	case stats.Failed:
		status = pterm.LightRed("failed")
	case !stats.IsConnected:
		status = pterm.LightYellow("disconnected")
	}
	return pterm.TableData{
		{"Node", stats.NodeID},
		{"Status", status},
		{"Peers", strconv.Itoa(stats.PeerCount)},
		{"Reconnect attempts", strconv.Itoa(stats.ReconnectAttempts)},
	}
}

func peersTable(peers []peer.Snapshot, now time.Time) pterm.TableData {
	data := pterm.TableData{{"ID", "ADDRESS", "STATE", "INITIATOR", "LAST SEEN"}}
	for _, p := range peers {
		data = append(data, []string{
			p.ID,
			p.Addr,
			p.State.String(),
			p.Initiator,
			now.Sub(p.LastSeen).Truncate(time.Millisecond).String() + " ago",
		})
	}
	return data
}

// baseURL accepts either host:port or a full http(s) URL.
func baseURL(addr string) string {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

func fetchJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
