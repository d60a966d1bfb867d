package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Webhook posts offer and revocation payloads to an external push gateway
// that owns the device channel (APNs, FCM, websockets).
type Webhook struct {
	http *resty.Client
}

// NewWebhook builds a Webhook for the gateway base URL.
func NewWebhook(baseURL string, timeout time.Duration) *Webhook {
	httpc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond)
	return &Webhook{http: httpc}
}

type offerPayload struct {
	JobID      string       `json:"job_id"`
	JobType    string       `json:"job_type"`
	OrderIDs   []string     `json:"order_ids"`
	Stops      []stop       `json:"stops"`
	ETASeconds float64      `json:"eta_seconds"`
	DriverIDs  []string     `json:"driver_ids"`
}

type stop struct {
	Type    string  `json:"type"`
	OrderID string  `json:"order_id"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type revokePayload struct {
	JobID     string   `json:"job_id"`
	DriverIDs []string `json:"driver_ids"`
}

// BroadcastOffer implements domain.PushNotifier.
func (w *Webhook) BroadcastOffer(ctx context.Context, driverIDs []string, job domain.Job) error {
	stops := make([]stop, len(job.Stops))
	for i, s := range job.Stops {
		stops[i] = stop{Type: string(s.Type), OrderID: s.OrderID, Lat: s.Coord.Lat, Lon: s.Coord.Lon}
	}
	payload := offerPayload{
		JobID:      job.ID,
		JobType:    string(job.Type),
		OrderIDs:   job.OrderIDs,
		Stops:      stops,
		ETASeconds: job.ETASeconds,
		DriverIDs:  driverIDs,
	}
	resp, err := w.http.R().SetContext(ctx).SetBody(payload).Post("/offers")
	if err != nil {
		return fmt.Errorf("op=notify.BroadcastOffer job=%s: %w", job.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("op=notify.BroadcastOffer job=%s: gateway status %d", job.ID, resp.StatusCode())
	}
	return nil
}

// RevokeOffer implements domain.PushNotifier.
func (w *Webhook) RevokeOffer(ctx context.Context, driverIDs []string, jobID string) error {
	resp, err := w.http.R().SetContext(ctx).
		SetBody(revokePayload{JobID: jobID, DriverIDs: driverIDs}).
		Post("/offers/revoke")
	if err != nil {
		return fmt.Errorf("op=notify.RevokeOffer job=%s: %w", jobID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("op=notify.RevokeOffer job=%s: gateway status %d", jobID, resp.StatusCode())
	}
	return nil
}
