// Package recovery repairs persisted state left behind by a previous
// process before the server accepts traffic.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

// CampaignStore is the campaign persistence used during recovery.
type CampaignStore interface {
	ListByStatus(status models.CampaignStatus) ([]models.Campaign, error)
	MarkInterrupted(id string) (bool, error)
	ClearConnected() (int64, error)
}

// DevicePurger unlinks devices belonging to sessions that died with the
// previous process.
type DevicePurger interface {
	PurgeAll(ctx context.Context) (int, error)
}

// Result summarizes a recovery pass.
type Result struct {
	Running          int   `json:"running"`
	Paused           int   `json:"paused"`
	Failed           int   `json:"failed"`
	StaleConnections int64 `json:"staleConnections"`
	PurgedDevices    int   `json:"purgedDevices"`
}

// Run demotes every RUNNING campaign to PAUSED with connected=false. A
// failure on one campaign is logged and does not stop the others. purger
// may be nil.
func Run(ctx context.Context, campaigns CampaignStore, purger DevicePurger, logger *slog.Logger) (*Result, error) {
	logger = logger.With("component", "recovery")

	running, err := campaigns.ListByStatus(models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list running campaigns: %w", err)
	}

	res := &Result{Running: len(running)}
	for _, c := range running {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := campaigns.MarkInterrupted(c.ID)
		if err != nil {
			res.Failed++
			logger.Error("failed to pause interrupted campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		if ok {
			res.Paused++
			logger.Warn("paused campaign interrupted by restart", "campaign_id", c.ID, "owner_id", c.OwnerID)
		}
	}
	metrics.AddRecoveryPaused(res.Paused)

	if n, err := campaigns.ClearConnected(); err != nil {
		logger.Error("failed to clear stale connections", "error", err)
	} else {
		res.StaleConnections = n
	}

	if purger != nil {
		n, err := purger.PurgeAll(ctx)
		if err != nil {
			logger.Error("failed to purge some linked devices", "error", err)
		}
		res.PurgedDevices = n
	}

	logger.Info("startup recovery finished",
		"running", res.Running,
		"paused", res.Paused,
		"failed", res.Failed,
		"stale_connections", res.StaleConnections,
		"purged_devices", res.PurgedDevices,
	)
	return res, nil
}
