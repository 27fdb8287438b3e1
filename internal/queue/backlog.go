package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
)

// NSQStats is the part of nsqd's /stats?format=json response the monitor reads.
type NSQStats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	Name     string         `json:"topic_name"`
	Depth    int64          `json:"depth"`
	Channels []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	Name          string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// BacklogMonitor polls nsqd and publishes the worker channel depth as metrics.
type BacklogMonitor struct {
	client   *http.Client
	statsURL string
	topic    string
	channel  string
	interval time.Duration
	logger   *logging.Logger
}

func NewBacklogMonitor(nsqdHTTPAddr, topic, channel string, interval time.Duration, logger *logging.Logger) *BacklogMonitor {
	if logger == nil {
		logger = logging.Nop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &BacklogMonitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic),
		topic:    topic,
		channel:  channel,
		interval: interval,
		logger:   logger,
	}
}

// Poll fetches stats once and updates the backlog gauges.
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: HTTP %d", resp.StatusCode)
	}

	var st NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}
	for _, topic := range st.Topics {
		if topic.Name != b.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.Name == b.channel {
				metrics.UpdateWorkerBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
	return nil
}

// Run polls until ctx is done.
func (b *BacklogMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
				b.logger.Plain().WithError(err).Warn("nsq backlog poll failed")
			}
		}
	}
}

// NSQDHTTPAddr derives nsqd's HTTP address from its TCP address; nsqd
// listens for HTTP on the port after the TCP one by default.
func NSQDHTTPAddr(tcpAddr string) (string, error) {
	host, port, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("nsqd port %q: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1)), nil
}
