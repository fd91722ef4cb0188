// Package notifier posts batch reports to the configured webhook channels.
// Delivery is best effort: failures are logged and swallowed so a dead
// webhook can never stall the pipeline.
package notifier

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/logsentinel/logsentinel/modules/configstore"
	"github.com/logsentinel/logsentinel/modules/logstore"
	"github.com/logsentinel/logsentinel/pkg/model"
)

var metricDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "logsentinel",
	Name:      "notifier_delivery_failures_total",
	Help:      "Webhook deliveries that failed.",
})

// at most this many per-item digests are included in one report
const reportDetailLimit = 10

type reportDetail struct {
	TraceID string `json:"trace_id"`
	Risk    string `json:"risk"`
	Summary string `json:"summary"`
}

type batchReport struct {
	Type          string         `json:"type"`
	GlobalSummary string         `json:"global_summary"`
	Timestamp     int64          `json:"timestamp"`
	Count         int            `json:"count"`
	Details       []reportDetail `json:"details"`
	More          string         `json:"more,omitempty"`
}

// Webhook delivers batch reports over HTTP POST.
type Webhook struct {
	client *http.Client
	logger log.Logger
}

func NewWebhook(logger log.Logger) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 5 * time.Second},
		logger: log.With(logger, "component", "notifier"),
	}
}

// NotifyBatch posts one report to every channel. Never returns an error.
func (w *Webhook) NotifyBatch(sum logstore.BatchSummary, items []model.AnalysisResultItem, channels []configstore.AlertChannel) {
	report := batchReport{
		Type:          "Batch_Report",
		GlobalSummary: sum.GlobalSummary,
		Timestamp:     time.Now().Unix(),
		Count:         len(items),
		Details:       make([]reportDetail, 0, reportDetailLimit),
	}
	for i, it := range items {
		if i >= reportDetailLimit {
			report.More = "And more..."
			break
		}
		report.Details = append(report.Details, reportDetail{
			TraceID: it.TraceID,
			Risk:    it.Result.RiskLevel.String(),
			Summary: it.Result.Summary,
		})
	}

	body, err := jsoniter.Marshal(report)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to marshal batch report", "err", err)
		return
	}

	for _, ch := range channels {
		resp, err := w.client.Post(ch.WebhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			metricDeliveryFailures.Inc()
			level.Warn(w.logger).Log("msg", "webhook delivery failed", "channel", ch.Name, "err", err)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			metricDeliveryFailures.Inc()
			level.Warn(w.logger).Log("msg", "webhook delivery rejected", "channel", ch.Name, "status", resp.StatusCode)
		}
	}
}
