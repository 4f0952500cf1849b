package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	statsURL      string
	statsInterval time.Duration
)

// statsMetrics are the series printed by the stats command, in order.
var statsMetrics = []string{
	"metasys_points_polled_total",
	"metasys_points_published_total",
	"metasys_batches_published_total",
	"metasys_errors_total",
	"metasys_publisher_buffer_length",
	"metasys_pending_batches",
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Poll the Prometheus metrics endpoint and print live counters",
	Example: `  metasys-connector stats --url http://localhost:8082/metrics --interval 1s`,
	RunE:    runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsURL, "url", "http://localhost:8082/metrics", "Prometheus metrics endpoint")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: statsInterval}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Streaming metrics from %s (Ctrl+C to stop)\n", statsURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			values, err := scrapeMetrics(client, statsURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, formatSnapshot(time.Now(), values))
		}
	}
}

func scrapeMetrics(client *http.Client, url string) (map[string]float64, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return parseMetrics(resp.Body, statsMetrics)
}

// parseMetrics reads unlabelled samples of the named series from the
// Prometheus text format. Missing series read as zero.
func parseMetrics(r io.Reader, names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	for _, name := range names {
		values[name] = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if _, ok := values[fields[0]]; !ok {
			continue
		}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			values[fields[0]] = v
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func formatSnapshot(at time.Time, values map[string]float64) string {
	return fmt.Sprintf("[%s] polled=%.0f published=%.0f batches=%.0f errors=%.0f buffered=%.0f pending=%.0f",
		at.Format(time.RFC3339),
		values["metasys_points_polled_total"],
		values["metasys_points_published_total"],
		values["metasys_batches_published_total"],
		values["metasys_errors_total"],
		values["metasys_publisher_buffer_length"],
		values["metasys_pending_batches"],
	)
}
