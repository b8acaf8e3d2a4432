package repository

import (
	"testing"
	"time"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
)

func createTestCampaign(t *testing.T, repo *CampaignRepository, owner string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{OwnerID: owner, Title: "Spring sale", Message: "Hello {{name}}"}
	if err := repo.Create(c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

func TestCampaignRepository_CreateAndGet(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "owner-1")

	if c.ID == "" {
		t.Fatal("expected ID to be set")
	}

	got, err := repo.GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() returned nil")
	}
	if got.Status != models.StatusDraft {
		t.Errorf("Status = %q, want %q", got.Status, models.StatusDraft)
	}
	if got.Interval != models.Interval10s {
		t.Errorf("Interval = %q, want %q", got.Interval, models.Interval10s)
	}
	if got.ScheduleType != models.ScheduleImmediate {
		t.Errorf("ScheduleType = %q, want %q", got.ScheduleType, models.ScheduleImmediate)
	}
	if got.Connected {
		t.Error("new campaign must not be connected")
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("new campaign must not have start/completion times")
	}
}

func TestCampaignRepository_GetByIDNotFound(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))

	got, err := repo.GetByID("missing")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetByID() = %+v, want nil", got)
	}
}

func TestCampaignRepository_ListFiltersByOwnerAndStatus(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))

	a := createTestCampaign(t, repo, "owner-1")
	createTestCampaign(t, repo, "owner-1")
	createTestCampaign(t, repo, "owner-2")

	if err := repo.SetStatus(a.ID, models.StatusReady); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	tests := []struct {
		name   string
		filter models.CampaignListFilter
		want   int
	}{
		{"all for owner", models.CampaignListFilter{OwnerID: "owner-1"}, 2},
		{"ready only", models.CampaignListFilter{OwnerID: "owner-1", Status: models.StatusReady}, 1},
		{"other owner", models.CampaignListFilter{OwnerID: "owner-2"}, 1},
		{"limit", models.CampaignListFilter{OwnerID: "owner-1", Limit: 1}, 1},
		{"offset past end", models.CampaignListFilter{OwnerID: "owner-1", Offset: 5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := repo.List(tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() returned %d campaigns, want %d", len(got), tt.want)
			}
		})
	}
}

func TestCampaignRepository_UpdateStatusTransitions(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "owner-1")

	// DRAFT is not a valid source for RUNNING here
	ok, err := repo.UpdateStatus(c.ID, models.StatusRunning, models.StatusReady, models.StatusPaused)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if ok {
		t.Fatal("transition from DRAFT to RUNNING must be rejected")
	}

	if err := repo.SetStatus(c.ID, models.StatusReady); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	ok, err = repo.UpdateStatus(c.ID, models.StatusRunning, models.StatusReady, models.StatusPaused)
	if err != nil || !ok {
		t.Fatalf("UpdateStatus(RUNNING) = %v, %v; want true, nil", ok, err)
	}

	got, _ := repo.GetByID(c.ID)
	if got.StartedAt == nil {
		t.Fatal("StartedAt must be set on first start")
	}
	firstStart := *got.StartedAt

	time.Sleep(10 * time.Millisecond)

	if ok, _ := repo.UpdateStatus(c.ID, models.StatusPaused, models.StatusRunning); !ok {
		t.Fatal("pause transition failed")
	}
	if ok, _ := repo.UpdateStatus(c.ID, models.StatusRunning, models.StatusReady, models.StatusPaused); !ok {
		t.Fatal("resume transition failed")
	}

	got, _ = repo.GetByID(c.ID)
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("StartedAt changed on resume: %v -> %v", firstStart, *got.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt must stay unset while running")
	}

	if ok, _ := repo.UpdateStatus(c.ID, models.StatusCompleted, models.StatusRunning); !ok {
		t.Fatal("completion transition failed")
	}
	got, _ = repo.GetByID(c.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("Status = %q, want COMPLETED", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt must be set on completion")
	}
}

func TestCampaignRepository_SessionFields(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	c := createTestCampaign(t, repo, "owner-1")

	now := time.Now()
	if err := repo.UpdateSession(c.ID, "session-1", false, now); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if err := repo.SetConnected(c.ID, true, now); err != nil {
		t.Fatalf("SetConnected() error = %v", err)
	}

	got, _ := repo.GetByID(c.ID)
	if got.SessionID != "session-1" {
		t.Errorf("SessionID = %q, want %q", got.SessionID, "session-1")
	}
	if !got.Connected {
		t.Error("Connected = false, want true")
	}
	if got.LastActivity == nil {
		t.Error("LastActivity must be set")
	}
}

func TestCampaignRepository_MarkInterrupted(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	running := createTestCampaign(t, repo, "owner-1")
	ready := createTestCampaign(t, repo, "owner-1")

	repo.SetStatus(running.ID, models.StatusRunning)
	repo.SetConnected(running.ID, true, time.Now())
	repo.SetStatus(ready.ID, models.StatusReady)

	ok, err := repo.MarkInterrupted(running.ID)
	if err != nil || !ok {
		t.Fatalf("MarkInterrupted(running) = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.MarkInterrupted(ready.ID)
	if err != nil || ok {
		t.Fatalf("MarkInterrupted(ready) = %v, %v; want false, nil", ok, err)
	}

	got, _ := repo.GetByID(running.ID)
	if got.Status != models.StatusPaused {
		t.Errorf("Status = %q, want PAUSED", got.Status)
	}
	if got.Connected {
		t.Error("Connected must be cleared")
	}
}

func TestCampaignRepository_ClearConnected(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))
	a := createTestCampaign(t, repo, "owner-1")
	b := createTestCampaign(t, repo, "owner-1")
	createTestCampaign(t, repo, "owner-1")

	repo.SetConnected(a.ID, true, time.Now())
	repo.SetConnected(b.ID, true, time.Now())

	n, err := repo.ClearConnected()
	if err != nil {
		t.Fatalf("ClearConnected() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ClearConnected() = %d, want 2", n)
	}
	got, _ := repo.GetByID(a.ID)
	if got.Connected {
		t.Error("Connected must be cleared")
	}
}

func TestCampaignRepository_ListScheduledDue(t *testing.T) {
	repo := NewCampaignRepository(setupTestDB(t))

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := &models.Campaign{OwnerID: "o", Message: "m", ScheduleType: models.ScheduleScheduled, ScheduledAt: &past}
	later := &models.Campaign{OwnerID: "o", Message: "m", ScheduleType: models.ScheduleScheduled, ScheduledAt: &future}
	draft := &models.Campaign{OwnerID: "o", Message: "m", ScheduleType: models.ScheduleScheduled, ScheduledAt: &past}
	for _, c := range []*models.Campaign{due, later, draft} {
		if err := repo.Create(c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	repo.SetStatus(due.ID, models.StatusReady)
	repo.SetStatus(later.ID, models.StatusReady)

	got, err := repo.ListScheduledDue(time.Now())
	if err != nil {
		t.Fatalf("ListScheduledDue() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("ListScheduledDue() = %v, want only %s", got, due.ID)
	}
}

func TestCampaignRepository_RecipientCountAndDeleteCascade(t *testing.T) {
	database := setupTestDB(t)
	campaigns := NewCampaignRepository(database)
	recipients := NewRecipientRepository(database)

	c := createTestCampaign(t, campaigns, "owner-1")
	rows := []models.Recipient{{Phone: "9891234567890"}, {Phone: "9891234567891"}}
	if err := recipients.ReplaceAll(c.ID, rows); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	got, _ := campaigns.GetByID(c.ID)
	if got.RecipientCount != 2 {
		t.Errorf("RecipientCount = %d, want 2", got.RecipientCount)
	}

	if err := campaigns.Delete(c.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	n, _ := recipients.Count(c.ID)
	if n != 0 {
		t.Errorf("recipients after delete = %d, want 0", n)
	}
}
