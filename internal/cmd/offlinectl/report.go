package offlinectl

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/queue"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatProm = "prom"

	metricCacheEntries = "offlinesync_cache_entries"
	metricQueueItems   = "offlinesync_sync_queue_items"
)

type statsReport struct {
	Mode       string         `json:"mode"`
	Namespaces map[string]int `json:"namespaces"`
	Queue      queueCounts    `json:"queue"`
}

type queueCounts struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
	Synced  int `json:"synced"`
}

type itemRow struct {
	ID             int64      `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Kind           string     `json:"kind"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	Attempts       int        `json:"attempts"`
	Dead           bool       `json:"dead"`
	LastError      string     `json:"last_error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
}

type itemsReport struct {
	Mode  string    `json:"mode"`
	Items []itemRow `json:"items"`
}

func writeStats(out io.Writer, format string, stats map[string]int, counts storage.QueueCounts) error {
	switch format {
	case formatJSON:
		encoded, err := json.Marshal(statsReport{
			Mode:       "stats",
			Namespaces: stats,
			Queue:      queueCounts{Pending: counts.Pending, Dead: counts.Dead, Synced: counts.Synced},
		})
		if err != nil {
			return fmt.Errorf("encode stats report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	case formatProm:
		for _, family := range statsFamilies(stats, counts) {
			if _, err := expfmt.MetricFamilyToText(out, family); err != nil {
				return fmt.Errorf("write %s: %w", family.GetName(), err)
			}
		}
		return nil
	}

	for _, ns := range sortedKeys(stats) {
		fmt.Fprintf(out, "%-14s %d\n", ns, stats[ns])
	}
	fmt.Fprintf(out, "Queue: pending=%d dead=%d synced=%d\n", counts.Pending, counts.Dead, counts.Synced)
	return nil
}

// statsFamilies renders stats as gauges in Prometheus exposition order.
func statsFamilies(stats map[string]int, counts storage.QueueCounts) []*dto.MetricFamily {
	cache := &dto.MetricFamily{
		Name: proto.String(metricCacheEntries),
		Help: proto.String("Entries stored per namespace; syncQueue counts unsynced items."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for _, ns := range sortedKeys(stats) {
		cache.Metric = append(cache.Metric, gauge("namespace", ns, stats[ns]))
	}

	queueItems := &dto.MetricFamily{
		Name: proto.String(metricQueueItems),
		Help: proto.String("Sync queue items by state."),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			gauge("state", "dead", counts.Dead),
			gauge("state", "pending", counts.Pending),
			gauge("state", "synced", counts.Synced),
		},
	}
	return []*dto.MetricFamily{cache, queueItems}
}

func gauge(label, value string, n int) *dto.Metric {
	return &dto.Metric{
		Label: []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(value)}},
		Gauge: &dto.Gauge{Value: proto.Float64(float64(n))},
	}
}

func writeItems(out io.Writer, format, mode string, items []queue.Item, isDead func(queue.Item) bool) error {
	rows := make([]itemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, itemRow{
			ID:             item.ID,
			OwnerID:        item.OwnerID,
			Kind:           item.Kind,
			EnqueuedAt:     item.EnqueuedAt,
			Attempts:       item.Attempts,
			Dead:           isDead(item),
			LastError:      item.LastError,
			IdempotencyKey: item.IdempotencyKey,
			SyncedAt:       item.SyncedAt,
		})
	}
	if format == formatJSON {
		encoded, err := json.Marshal(itemsReport{Mode: mode, Items: rows})
		if err != nil {
			return fmt.Errorf("encode %s report: %w", mode, err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "Items (%s): %d\n", mode, len(rows))
	for _, row := range rows {
		fmt.Fprintf(out, "- %d owner=%s kind=%s attempts=%d dead=%t enqueued_at=%s\n",
			row.ID, row.OwnerID, row.Kind, row.Attempts, row.Dead, row.EnqueuedAt.Format(time.RFC3339))
		if row.LastError != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
