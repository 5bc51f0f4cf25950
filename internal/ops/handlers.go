package ops

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/pkg/spendgate"
)

type handlers struct {
	mw     *spendgate.Middleware
	logger *zap.Logger
}

// Health reports pipeline liveness. A tripped breaker means no spend
// is being admitted, which this surfaces as 503.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.mw.HealthCheck()

	w.Header().Set("Content-Type", "application/json")
	if health.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (h *handlers) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.mw.Stats())
}

func (h *handlers) Pricing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.mw.PricingSnapshot())
}

// AuditExport streams the audit chain. format=json (default) carries
// the integrity envelope; format=csv is the flat record list.
func (h *handlers) AuditExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	var err error
	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.json"`)
		err = h.mw.ExportAuditJSON(w)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		err = h.mw.ExportAuditCSV(w)
	default:
		http.Error(w, fmt.Sprintf("unknown export format %q", format), http.StatusBadRequest)
		return
	}
	if err != nil {
		// Headers are already on the wire; all we can do is log.
		h.logger.Error("audit export failed",
			zap.String("format", format),
			zap.Error(err))
	}
}
