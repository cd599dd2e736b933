package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/metrics"
)

// Stats is the part of nsqd's /stats?format=json the backlog monitor reads.
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// BacklogMonitor exports the depth of the bridged topic's channels.
type BacklogMonitor struct {
	statsURL string
	topic    string
	client   *http.Client
	logger   *logging.Logger
}

// NewBacklogMonitor polls nsqdHTTP (e.g. http://nsqd:4151) for topic.
func NewBacklogMonitor(nsqdHTTP, topic string, logger *logging.Logger) *BacklogMonitor {
	if !strings.Contains(nsqdHTTP, "://") {
		nsqdHTTP = "http://" + nsqdHTTP
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BacklogMonitor{
		statsURL: strings.TrimRight(nsqdHTTP, "/") + "/stats?format=json",
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls every interval until ctx is done.
func (m *BacklogMonitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx); err != nil {
			m.logger.WithContext(ctx).WithTopic(m.topic).WithError(err).Warn("nsq backlog poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches stats once and updates the channel gauges.
func (m *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats responded %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQChannel(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount)
		}
	}
	return nil
}
