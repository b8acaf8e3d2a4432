// Package dispatch runs one paced send loop per RUNNING campaign.
//
// A loop walks PENDING recipients in creation order, waiting the campaign
// interval before each send. Pause and completion are persisted through
// conditional status transitions so concurrent API calls, the scheduler and
// session loss cannot leave a campaign in two states.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/broadcast"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/metrics"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/models"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/progress"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/repository"
	"github.com/hamedsepehrnia/whatsapp-campaign-orchestrator/internal/whatsapp"
)

var (
	// errStopped marks a send abandoned because the dispatcher is shutting down.
	errStopped = errors.New("dispatcher stopped")
	// errNotLoggedIn marks a send that never reached the recipient because
	// the account was unusable. The recipient stays PENDING.
	errNotLoggedIn = errors.New("account not logged in")
)

// Sessions is the part of the session registry used for sending.
type Sessions interface {
	IsConnected(campaignID string) bool
	Send(ctx context.Context, campaignID string, msg whatsapp.Message) (*whatsapp.SendResult, error)
}

// Publisher emits realtime events.
type Publisher interface {
	Publish(campaignID string, eventType broadcast.EventType, data map[string]any)
}

// Options tunes pacing and failure handling.
type Options struct {
	DefaultInterval   time.Duration
	SendTimeoutFactor int
	BreakerFailures   int
	BreakerTimeout    time.Duration

	// IntervalOverride replaces every campaign interval when non-zero.
	IntervalOverride time.Duration
}

type run struct {
	campaignID string
	prev       *run // loop still finalizing its last send, if any
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	breaker    *gobreaker.CircuitBreaker
}

func (r *run) signal() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Dispatcher owns the RUNNING, PAUSED, COMPLETED and FAILED transitions.
type Dispatcher struct {
	campaigns   *repository.CampaignRepository
	recipients  *repository.RecipientRepository
	attachments *repository.AttachmentRepository
	tracker     *progress.Tracker
	sessions    Sessions
	pub         Publisher
	opts        Options
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	runs     map[string]*run
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	attachments *repository.AttachmentRepository,
	tracker *progress.Tracker,
	sessions Sessions,
	pub Publisher,
	opts Options,
	logger *slog.Logger,
) *Dispatcher {
	if opts.DefaultInterval == 0 {
		opts.DefaultInterval = 10 * time.Second
	}
	if opts.SendTimeoutFactor < 1 {
		opts.SendTimeoutFactor = 3
	}
	if opts.BreakerFailures < 1 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		campaigns:   campaigns,
		recipients:  recipients,
		attachments: attachments,
		tracker:     tracker,
		sessions:    sessions,
		pub:         pub,
		opts:        opts,
		logger:      logger.With("component", "dispatch"),
		now:         time.Now,
		runs:        make(map[string]*run),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (d *Dispatcher) owned(campaignID, ownerID string) (*models.Campaign, error) {
	c, err := d.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrNotFound, campaignID)
	}
	if c.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: campaign %s", models.ErrForbidden, campaignID)
	}
	return c, nil
}

// Start begins or resumes dispatch. The campaign must be READY or PAUSED,
// have recipients and a CONNECTED session; otherwise nothing is mutated and
// the error wraps models.ErrPrecondition.
func (d *Dispatcher) Start(campaignID, ownerID string) error {
	c, err := d.owned(campaignID, ownerID)
	if err != nil {
		return err
	}
	return d.start(c)
}

// Resume restarts a PAUSED campaign from its first remaining PENDING
// recipient.
func (d *Dispatcher) Resume(campaignID, ownerID string) error {
	c, err := d.owned(campaignID, ownerID)
	if err != nil {
		return err
	}
	if c.Status != models.StatusPaused {
		return fmt.Errorf("%w: campaign is %s, only PAUSED campaigns can be resumed", models.ErrPrecondition, c.Status)
	}
	return d.start(c)
}

// StartScheduled starts a due campaign on behalf of the scheduler.
func (d *Dispatcher) StartScheduled(c *models.Campaign) error {
	return d.start(c)
}

func (d *Dispatcher) start(c *models.Campaign) error {
	if c.Status != models.StatusReady && c.Status != models.StatusPaused {
		return fmt.Errorf("%w: campaign is %s, must be READY or PAUSED", models.ErrPrecondition, c.Status)
	}

	count, err := d.recipients.Count(c.ID)
	if err != nil {
		return fmt.Errorf("failed to count recipients: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: campaign has no recipients", models.ErrPrecondition)
	}

	if !d.sessions.IsConnected(c.ID) {
		return fmt.Errorf("%w: no connected messaging session, request a QR code and scan it first", models.ErrPrecondition)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return fmt.Errorf("%w: dispatcher is shutting down", models.ErrPrecondition)
	}

	ok, err := d.campaigns.UpdateStatus(c.ID, models.StatusRunning, models.StatusReady, models.StatusPaused)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign status changed concurrently", models.ErrConflict)
	}

	// A paused loop may still be finalizing its last send; the new loop
	// waits for it instead of the caller.
	r := &run{
		campaignID: c.ID,
		prev:       d.runs[c.ID],
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		breaker:    d.newBreaker(c.ID),
	}
	d.runs[c.ID] = r

	d.wg.Add(1)
	go d.loop(r, c)

	metrics.DispatchStarted()
	resumed := c.Status == models.StatusPaused
	d.logger.Info("dispatch started", "campaign_id", c.ID, "recipients", count, "resumed", resumed)

	message := "campaign started"
	if resumed {
		message = "campaign resumed"
	}
	d.pub.Publish(c.ID, broadcast.EventStatus, map[string]any{
		"status":  models.StatusRunning,
		"message": message,
	})
	return nil
}

// newBreaker trips on consecutive account-level failures only. A send
// rejected for one recipient counts as a success for the breaker.
func (d *Dispatcher) newBreaker(campaignID string) *gobreaker.CircuitBreaker {
	failures := uint32(d.opts.BreakerFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dispatch-" + campaignID,
		Timeout: d.opts.BreakerTimeout,
		IsSuccessful: func(err error) bool {
			return err == nil || !isSessionError(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("send breaker state changed", "campaign_id", campaignID, "from", from.String(), "to", to.String())
		},
	})
}

func isSessionError(err error) bool {
	return errors.Is(err, models.ErrSessionLost) || errors.Is(err, whatsapp.ErrNotLoggedIn)
}

// Stop ends dispatch with the given status (PAUSED or FAILED). The loop
// notices before its next send; an in-flight send still finalizes.
func (d *Dispatcher) Stop(campaignID string, status models.CampaignStatus, ownerID string) error {
	if status != models.StatusPaused && status != models.StatusFailed {
		return fmt.Errorf("%w: cannot stop a campaign into %s", models.ErrValidation, status)
	}

	c, err := d.owned(campaignID, ownerID)
	if err != nil {
		return err
	}
	if c.Status != models.StatusRunning {
		return fmt.Errorf("%w: campaign is %s, only RUNNING campaigns can be stopped", models.ErrPrecondition, c.Status)
	}

	ok, err := d.campaigns.UpdateStatus(campaignID, status, models.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign is no longer running", models.ErrPrecondition)
	}
	d.signal(campaignID)

	d.logger.Info("dispatch stopped", "campaign_id", campaignID, "status", status)
	d.pub.Publish(campaignID, broadcast.EventStatus, map[string]any{
		"status":  status,
		"message": "campaign " + statusVerb(status),
	})
	return nil
}

// Pause is Stop with PAUSED.
func (d *Dispatcher) Pause(campaignID, ownerID string) error {
	return d.Stop(campaignID, models.StatusPaused, ownerID)
}

func statusVerb(s models.CampaignStatus) string {
	if s == models.StatusFailed {
		return "stopped as failed"
	}
	return "paused"
}

func (d *Dispatcher) signal(campaignID string) {
	d.mu.Lock()
	r := d.runs[campaignID]
	d.mu.Unlock()
	if r != nil {
		r.signal()
	}
}

// SessionLost pauses a RUNNING campaign whose session went away. It never
// retries on its own.
func (d *Dispatcher) SessionLost(campaignID, reason string) {
	d.signal(campaignID)
	d.pauseOnFatal(campaignID, fmt.Errorf("%w: %s", models.ErrSessionLost, reason))
}

func (d *Dispatcher) pauseOnFatal(campaignID string, cause error) {
	ok, err := d.campaigns.UpdateStatus(campaignID, models.StatusPaused, models.StatusRunning)
	if err != nil {
		d.logger.Error("failed to pause campaign", "campaign_id", campaignID, "error", err)
		return
	}
	if !ok {
		return
	}

	d.logger.Warn("campaign paused after fatal failure", "campaign_id", campaignID, "error", cause)
	d.pub.Publish(campaignID, broadcast.EventError, map[string]any{
		"error": cause.Error(),
		"fatal": true,
	})
	d.pub.Publish(campaignID, broadcast.EventStatus, map[string]any{
		"status":  models.StatusPaused,
		"message": "campaign paused: " + cause.Error(),
	})
}

// Delivered promotes SENT recipients confirmed by receipts.
func (d *Dispatcher) Delivered(campaignID string, messageIDs []string, at time.Time) {
	n, err := d.tracker.MarkDelivered(campaignID, messageIDs, at)
	if err != nil {
		d.logger.Error("failed to record delivery", "campaign_id", campaignID, "error", err)
		return
	}
	if n == 0 {
		return
	}
	metrics.IncDelivered(n)
	d.publishProgress(campaignID)
}

// IsRunning reports whether a loop is active for the campaign.
func (d *Dispatcher) IsRunning(campaignID string) bool {
	d.mu.Lock()
	r := d.runs[campaignID]
	d.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Shutdown pauses every RUNNING campaign and waits for the loops to exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	runs := make([]*run, 0, len(d.runs))
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	d.mu.Unlock()

	for _, r := range runs {
		r.signal()
		if ok, err := d.campaigns.UpdateStatus(r.campaignID, models.StatusPaused, models.StatusRunning); err != nil {
			d.logger.Error("failed to pause campaign on shutdown", "campaign_id", r.campaignID, "error", err)
		} else if ok {
			d.pub.Publish(r.campaignID, broadcast.EventStatus, map[string]any{
				"status":  models.StatusPaused,
				"message": "server shutting down",
			})
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher stopped", "paused", len(runs))
		return nil
	case <-ctx.Done():
		// abandon in-flight sends
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) interval(c *models.Campaign) time.Duration {
	if d.opts.IntervalOverride > 0 {
		return d.opts.IntervalOverride
	}
	return c.IntervalDuration(d.opts.DefaultInterval)
}

func (d *Dispatcher) loop(r *run, c *models.Campaign) {
	finalStatus := models.StatusPaused
	defer func() {
		d.mu.Lock()
		if d.runs[r.campaignID] == r {
			delete(d.runs, r.campaignID)
		}
		d.mu.Unlock()
		close(r.done)
		metrics.DispatchFinished(string(finalStatus))
		d.wg.Done()
	}()

	logger := d.logger.With("campaign_id", c.ID)
	interval := d.interval(c)
	timeout := interval * time.Duration(d.opts.SendTimeoutFactor)

	atts, err := d.attachments.ListByCampaign(c.ID)
	if err != nil {
		logger.Error("failed to load attachments", "error", err)
		d.pauseOnFatal(c.ID, fmt.Errorf("failed to load attachments: %w", err))
		return
	}
	files := make([]whatsapp.Attachment, 0, len(atts))
	for _, a := range atts {
		files = append(files, whatsapp.Attachment{Path: a.Path, FileName: a.FileName, MimeType: a.MimeType})
	}

	if r.prev != nil {
		select {
		case <-r.prev.done:
			r.prev = nil
		case <-r.stop:
			return
		case <-d.ctx.Done():
			return
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		rec, err := d.recipients.NextPending(c.ID)
		if err != nil {
			logger.Error("failed to load next recipient", "error", err)
			d.pauseOnFatal(c.ID, fmt.Errorf("failed to load next recipient: %w", err))
			return
		}
		if rec == nil {
			finalStatus = d.complete(c.ID)
			return
		}

		timer.Reset(interval)
		select {
		case <-r.stop:
			return
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case <-r.stop:
			return
		default:
		}

		outcome, fatal := d.send(r, c, rec, files, timeout)
		switch {
		case errors.Is(fatal, errNotLoggedIn):
			if r.breaker.State() == gobreaker.StateOpen {
				d.pauseOnFatal(c.ID, fmt.Errorf("%w: account unusable for %d consecutive sends", models.ErrSessionLost, d.opts.BreakerFailures))
				return
			}
			continue
		case errors.Is(fatal, errStopped):
			return
		case fatal != nil:
			d.pauseOnFatal(c.ID, fatal)
			return
		}

		// An unrecorded outcome leaves the row PENDING and would send again.
		if _, err := d.tracker.RecordOutcome(rec.ID, outcome); err != nil {
			logger.Error("failed to record outcome", "recipient_id", rec.ID, "error", err)
			d.pauseOnFatal(c.ID, fmt.Errorf("failed to record outcome of recipient %s: %w", rec.ID, err))
			return
		}
		d.publishProgress(c.ID)
	}
}

// send performs one bounded attempt. A non-nil error means the recipient
// stays PENDING; errNotLoggedIn lets the loop retry it, anything else stops
// the campaign.
func (d *Dispatcher) send(r *run, c *models.Campaign, rec *models.Recipient, files []whatsapp.Attachment, timeout time.Duration) (models.Outcome, error) {
	msg := whatsapp.Message{
		Phone:       rec.Phone,
		Text:        renderMessage(c.Message, rec),
		Attachments: files,
	}

	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	start := d.now()
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return d.sessions.Send(ctx, c.ID, msg)
	})
	elapsed := d.now().Sub(start)

	switch {
	case err == nil:
		sent := res.(*whatsapp.SendResult)
		metrics.ObserveSend("sent", elapsed.Seconds())
		d.logger.Debug("message sent", "campaign_id", c.ID, "recipient_id", rec.ID, "message_id", sent.MessageID)
		return models.Outcome{Status: models.RecipientSent, MessageID: sent.MessageID, At: d.now()}, nil

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return models.Outcome{}, fmt.Errorf("%w: too many consecutive send failures", models.ErrSessionLost)

	case errors.Is(err, models.ErrSessionLost):
		return models.Outcome{}, err

	case errors.Is(err, whatsapp.ErrNotLoggedIn):
		metrics.ObserveSend("not_logged_in", elapsed.Seconds())
		d.logger.Warn("send skipped, account not logged in", "campaign_id", c.ID, "recipient_id", rec.ID, "error", err)
		return models.Outcome{}, fmt.Errorf("%w: %v", errNotLoggedIn, err)

	case d.ctx.Err() != nil:
		return models.Outcome{}, errStopped

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.ObserveSend("timeout", elapsed.Seconds())
		d.logger.Warn("send timed out", "campaign_id", c.ID, "recipient_id", rec.ID, "timeout", timeout)
		return models.Outcome{
			Status: models.RecipientFailed,
			Error:  fmt.Sprintf("send timed out after %s", timeout),
			At:     d.now(),
		}, nil

	default:
		sendErr := &models.SendError{RecipientID: rec.ID, Err: err}
		metrics.ObserveSend("failed", elapsed.Seconds())
		d.logger.Warn("send failed", "campaign_id", c.ID, "error", sendErr)
		return models.Outcome{Status: models.RecipientFailed, Error: err.Error(), At: d.now()}, nil
	}
}

// complete marks the campaign COMPLETED unless it was paused meanwhile, and
// emits the final report once.
func (d *Dispatcher) complete(campaignID string) models.CampaignStatus {
	ok, err := d.campaigns.UpdateStatus(campaignID, models.StatusCompleted, models.StatusRunning)
	if err != nil {
		d.logger.Error("failed to complete campaign", "campaign_id", campaignID, "error", err)
		d.pauseOnFatal(campaignID, fmt.Errorf("failed to complete campaign: %w", err))
		return models.StatusPaused
	}
	if !ok {
		return models.StatusPaused
	}

	c, err := d.campaigns.GetByID(campaignID)
	if err != nil || c == nil {
		d.logger.Error("failed to reload completed campaign", "campaign_id", campaignID, "error", err)
		return models.StatusCompleted
	}
	report, err := d.tracker.Report(c)
	if err != nil {
		d.logger.Error("failed to build report", "campaign_id", campaignID, "error", err)
		return models.StatusCompleted
	}

	d.logger.Info("campaign completed",
		"campaign_id", campaignID,
		"sent", report.Stats.Sent,
		"failed", report.Stats.Failed,
	)
	d.pub.Publish(campaignID, broadcast.EventStatus, map[string]any{
		"status":  models.StatusCompleted,
		"message": "campaign completed",
	})
	d.pub.Publish(campaignID, broadcast.EventCompletion, map[string]any{
		"report": report,
	})
	return models.StatusCompleted
}

func (d *Dispatcher) publishProgress(campaignID string) {
	stats, err := d.tracker.Snapshot(campaignID)
	if err != nil {
		d.logger.Error("failed to compute progress", "campaign_id", campaignID, "error", err)
		return
	}
	d.pub.Publish(campaignID, broadcast.EventProgress, map[string]any{
		"progress": stats,
	})
}
