package alertsmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	serviceName = "fedmintd"
	alertsPath  = "/api/v2/alerts"

	maxRetries = 5
)

type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

type service struct {
	url        string
	esploraUrl string
	peer       string
	httpClient *http.Client
}

// NewService returns a publisher of alerts for the given Alertmanager. Alerts are
// labelled with the name of the publishing peer.
func NewService(alertManagerURL, esploraURL, peer string) ports.Alerts {
	url := strings.TrimRight(alertManagerURL, "/")
	if !strings.HasSuffix(url, alertsPath) {
		url += alertsPath
	}
	return &service{
		url:        url,
		esploraUrl: strings.TrimRight(esploraURL, "/"),
		peer:       peer,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	labels := map[string]string{
		"alertname": string(topic),
		"service":   serviceName,
		"peer":      s.peer,
		"severity":  "warning",
	}
	annotations := map[string]string{
		"alert_id": uuid.New().String(),
	}

	var desc string
	switch topic {
	case ports.SafetyViolation:
		labels["severity"] = "critical"
		annotations["firing_title"] = "🛑 Safety Violation"
		m, ok := message.(map[string]string)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		labels["epoch"] = m["epoch"]
		desc = formatSafetyViolationAlert(m)
	case ports.PegOutRejected:
		annotations["firing_title"] = "⛔ PegOut Rejected"
		m, ok := message.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		if txid, ok := m["txid"].(string); ok {
			labels["txid"] = txid
		}
		desc = formatPegOutRejectedAlert(s.esploraUrl, m)
	case ports.PeerDegraded:
		annotations["firing_title"] = "⚠️ Peer Degraded"
		m, ok := message.(*ports.PeerHealth)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		labels["degraded_peer"] = fmt.Sprintf("%d", m.Peer)
		desc = formatPeerDegradedAlert(m)
	default:
		labels["severity"] = "info"
		annotations["firing_title"] = fmt.Sprintf("🔔 %s", topic)
		desc = formatGenericAlert(map[string]any{"event": message})
	}

	annotations["description"] = desc
	alert := Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    time.Now(),
	}

	if err := s.sendAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to send alert to AlertManager: %w", err)
	}

	log.WithFields(log.Fields{
		"topic":    topic,
		"alert_id": annotations["alert_id"],
	}).Debug("alert sent")
	return nil
}

// sendAlert retries network and 5xx failures with exponential backoff, a 4xx
// response is final.
func (s *service) sendAlert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal([]Alert{alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries-1), ctx)

	attempts := 0
	send := func() error {
		attempts++
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, s.url, bytes.NewReader(payload),
		)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		// nolint:errcheck
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(send, policy); err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return nil
}

func formatSafetyViolationAlert(data map[string]string) string {
	lines := []string{
		"The peer halted: the outcome of an epoch differs from the one of the quorum.",
		fmt.Sprintf("\n*Epoch:* %s", data["epoch"]),
		fmt.Sprintf("*Local outcome:* `%s`", data["local_outcome"]),
		fmt.Sprintf("*Quorum outcome:* `%s`", data["quorum_outcome"]),
	}
	return strings.Join(lines, "\n")
}

func formatPegOutRejectedAlert(esploraUrl string, data map[string]any) string {
	lines := make([]string, 0)
	if txid, ok := data["txid"].(string); ok && esploraUrl != "" {
		lines = append(lines, fmt.Sprintf("%s/tx/%s", esploraUrl, txid))
	}
	lines = append(lines, fmt.Sprintf("\n*Epoch:* %v", data["epoch"]))
	lines = append(lines, fmt.Sprintf("*PegOuts re-queued:* %v", data["pegouts"]))
	return strings.Join(lines, "\n")
}

func formatPeerDegradedAlert(health *ports.PeerHealth) string {
	lines := []string{fmt.Sprintf("*Peer:* %d", health.Peer), "\n*Invalid shares:*"}

	kinds := make([]string, 0, len(health.InvalidShares))
	for kind := range health.InvalidShares {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		count := health.InvalidShares[domain.ShareKind(kind)]
		lines = append(lines, fmt.Sprintf("• %s: %d", kind, count))
	}
	if !health.LastInvalidAt.IsZero() {
		lines = append(lines, fmt.Sprintf(
			"\n*Last invalid share:* %s", health.LastInvalidAt.UTC().Format(time.RFC3339),
		))
	}
	return strings.Join(lines, "\n")
}

func formatGenericAlert(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("• %s: %v", key, data[key]))
	}
	return strings.Join(lines, "\n")
}
