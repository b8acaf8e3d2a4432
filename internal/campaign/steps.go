package campaign

import (
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/session"
)

// Step is one stage of the campaign wizard
type Step struct {
	Number    int    `json:"number"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Steps is the wizard view of a campaign
type Steps struct {
	CampaignID     string                `json:"campaignId"`
	Status         models.CampaignStatus `json:"status"`
	CurrentStep    int                   `json:"currentStep"`
	Steps          []Step                `json:"steps"`
	Message        string                `json:"message"`
	Interval       string                `json:"interval"`
	RecipientCount int                   `json:"recipientsCount"`
	HasAttachment  bool                  `json:"hasAttachment"`
	Connected      bool                  `json:"whatsappConnected"`
	Stats          models.Stats          `json:"progress"`
}

var stepDefs = []struct {
	key   string
	title string
}{
	{"define", "Define campaign and message"},
	{"template", "Download recipient template"},
	{"recipients", "Upload recipients"},
	{"attachment", "Add attachment"},
	{"interval", "Set send interval"},
	{"connect", "Connect WhatsApp account"},
	{"send", "Send messages"},
	{"report", "Final report"},
}

// Steps reports which wizard steps are done. The current step is the
// last completed one.
func (s *Service) Steps(id, ownerID string) (*Steps, error) {
	c, err := s.owned(id, ownerID)
	if err != nil {
		return nil, err
	}

	attachments, err := s.attachments.ListByCampaign(id)
	if err != nil {
		return nil, err
	}
	stats, err := s.tracker.Snapshot(id)
	if err != nil {
		return nil, err
	}

	connected := c.Connected
	if info, ok := s.sessions.Info(id); ok {
		connected = info.State == session.StateConnected
	}

	started := c.Status == models.StatusRunning || c.Status == models.StatusPaused || c.Status == models.StatusCompleted
	done := []bool{
		true,
		true, // template download needs nothing
		stats.Total > 0,
		len(attachments) > 0,
		c.Interval != "",
		connected,
		started,
		c.Status == models.StatusCompleted,
	}

	view := &Steps{
		CampaignID:     c.ID,
		Status:         c.Status,
		Message:        c.Message,
		Interval:       c.Interval,
		RecipientCount: stats.Total,
		HasAttachment:  len(attachments) > 0,
		Connected:      connected,
		Stats:          stats,
		Steps:          make([]Step, len(stepDefs)),
	}
	for i, def := range stepDefs {
		view.Steps[i] = Step{Number: i + 1, Key: def.key, Title: def.title, Completed: done[i]}
		if done[i] {
			view.CurrentStep = i + 1
		}
	}
	return view, nil
}
