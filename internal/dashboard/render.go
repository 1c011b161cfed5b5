package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/fleetwatch/internal/tracker"
	"procodus.dev/fleetwatch/pkg/metrics"
)

// statusPage is the data of the index page.
type statusPage struct {
	View        tracker.View
	Devices     []tracker.DeviceView
	Connection  tracker.ConnectionStatus
	Stats       tracker.Stats
	Transitions []tracker.Transition
}

// renderIndex renders the index page.
func renderIndex(ctx context.Context, w http.ResponseWriter, page statusPage, m *metrics.DashboardMetrics) error {
	//nolint:contextcheck // Context is passed to Templ's Render method
	return trackTemplateRender(ctx, w, m, "index", func() error {
		return index(page).Render(ctx, w)
	})
}

// trackTemplateRender wraps template rendering with metrics tracking.
func trackTemplateRender(ctx context.Context, w http.ResponseWriter, m *metrics.DashboardMetrics, templateName string, renderFunc func() error) error {
	// If metrics not enabled, just render
	if m == nil {
		return renderFunc()
	}

	timer := prometheus.NewTimer(m.TemplateRenderTime.WithLabelValues(templateName))
	defer timer.ObserveDuration()

	err := renderFunc()
	if err != nil {
		m.TemplateRenderErrors.WithLabelValues(templateName, "render_error").Inc()
		return err
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func insideLabel(inside bool) string {
	if inside {
		return "inside"
	}
	return "outside"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ", ")
}

// transitionLine reads e.g. "2024-05-01T10:00:00Z truck-1 exited #9, #12".
func transitionLine(t tracker.Transition) string {
	return strings.Join([]string{formatTime(t.Timestamp), t.DeviceID, t.Kind.String(), formatIDs(t.GeofenceIDs)}, " ")
}
