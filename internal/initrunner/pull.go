package initrunner

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/progressbus"
)

// layerProgress tracks one image layer's pull state for aggregation.
type layerProgress struct {
	id      string
	status  string
	current int64
	total   int64
}

// PullProgressFunc is invoked with the rendered pull-progress line for log
// streaming, and a coarse overall percent for layer-aggregated reporting.
type PullProgressFunc func(overallPercent int, line string)

// PullImage pulls image, decoding Docker's JSON progress stream into
// throttled, aggregated updates. Auth, if username is non-empty, is passed
// per-call as a base64 username:password pair per §6.
func PullImage(ctx context.Context, cli *client.Client, log *logrus.Logger, image_, username, secret string, onProgress PullProgressFunc) error {
	opts := image.PullOptions{}
	if username != "" {
		authConfig := registry.AuthConfig{Username: username, Password: secret}
		encoded, err := json.Marshal(authConfig)
		if err == nil {
			opts.RegistryAuth = base64.URLEncoding.EncodeToString(encoded)
		}
	}

	reader, err := cli.ImagePull(ctx, image_, opts)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", image_, err)
	}
	defer reader.Close()

	layers := make(map[string]*layerProgress)
	var lastBroadcast time.Time
	var lastPercent int

	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			ProgressDetail struct {
				Current int64 `json:"current"`
				Total   int64 `json:"total"`
			} `json:"progressDetail"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			continue
		}

		l, ok := layers[msg.ID]
		if !ok {
			l = &layerProgress{id: msg.ID}
			layers[msg.ID] = l
		}
		l.status = msg.Status
		if msg.Status == "Pull complete" || msg.Status == "Already exists" {
			l.current = l.total
		} else {
			l.current = msg.ProgressDetail.Current
			if msg.ProgressDetail.Total > 0 {
				l.total = msg.ProgressDetail.Total
			}
		}

		var totalBytes, downloaded int64
		for _, layer := range layers {
			if layer.total > 0 {
				totalBytes += layer.total
				downloaded += layer.current
			}
		}
		overallPercent := 0
		if totalBytes > 0 {
			overallPercent = int((downloaded * 100) / totalBytes)
		}

		isCompletion := strings.Contains(strings.ToLower(msg.Status), "complete") || msg.Status == "Already exists"
		now := time.Now()
		if onProgress != nil && (now.Sub(lastBroadcast) >= 500*time.Millisecond || abs(overallPercent-lastPercent) >= 5 || isCompletion) {
			onProgress(overallPercent, fmt.Sprintf("%s: %s", msg.ID, msg.Status))
			lastBroadcast = now
			lastPercent = overallPercent
		}
	}

	return scanner.Err()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// progressLogAdapter builds a PullProgressFunc that republishes lines as
// LogEntries on the bus under sessionID/containerName.
func progressLogAdapter(bus *progressbus.Bus, sessionID, containerName string) PullProgressFunc {
	return func(_ int, line string) {
		bus.PublishLog(progressbus.LogEntry{
			SessionID:     sessionID,
			ContainerName: containerName,
			LogLine:       line,
			Ts:            time.Now(),
		})
	}
}
