package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

const closeTimeout = 10 * time.Second

// WhatsmeowConfig configures the whatsmeow-backed factory.
type WhatsmeowConfig struct {
	StorePath string
	OSName    string
}

// WhatsmeowFactory creates whatsmeow clients sharing one device store.
// Every client starts from a fresh, unpaired device: a session is never
// resumed, a new QR scan is always required.
type WhatsmeowFactory struct {
	container *sqlstore.Container
	ledger    *DeviceLedger
	logger    *slog.Logger
}

// NewWhatsmeowFactory opens the device store.
func NewWhatsmeowFactory(ctx context.Context, cfg WhatsmeowConfig, ledger *DeviceLedger, logger *slog.Logger) (*WhatsmeowFactory, error) {
	logger = logger.With("component", "whatsapp")

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	if cfg.OSName != "" {
		store.DeviceProps.Os = proto.String(cfg.OSName)
	}
	platform := waCompanionReg.DeviceProps_PlatformType(1) // Chrome
	store.DeviceProps.PlatformType = &platform

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", cfg.StorePath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, newWALogger(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	return &WhatsmeowFactory{
		container: container,
		ledger:    ledger,
		logger:    logger,
	}, nil
}

// NewClient creates an unpaired client for the campaign. Any device still
// recorded for the campaign is unlinked first.
func (f *WhatsmeowFactory) NewClient(ctx context.Context, campaignID string, handler EventHandler) (Client, error) {
	if err := f.Purge(ctx, campaignID); err != nil {
		f.logger.Warn("failed to purge previous device", "campaign_id", campaignID, "error", err)
	}

	device := f.container.NewDevice()
	logger := f.logger.With("campaign_id", campaignID)
	cli := whatsmeow.NewClient(device, newWALogger(logger, "client"))

	c := &whatsmeowClient{
		campaignID: campaignID,
		cli:        cli,
		ledger:     f.ledger,
		handler:    handler,
		logger:     logger,
	}
	cli.AddEventHandler(c.handleEvent)
	return c, nil
}

// Purge unlinks and deletes the device recorded for a campaign, if any.
func (f *WhatsmeowFactory) Purge(ctx context.Context, campaignID string) error {
	raw, err := f.ledger.Get(campaignID)
	if err != nil {
		return fmt.Errorf("failed to read device ledger: %w", err)
	}
	if raw == "" {
		return nil
	}

	jid, err := types.ParseJID(raw)
	if err != nil {
		f.logger.Warn("dropping unparsable device id", "campaign_id", campaignID, "jid", raw)
		return f.ledger.Delete(campaignID)
	}

	device, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	if device != nil {
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete device: %w", err)
		}
	}

	f.logger.Info("purged linked device", "campaign_id", campaignID, "jid", raw)
	return f.ledger.Delete(campaignID)
}

// PurgeAll removes every device recorded in the ledger. Used at boot, when
// no session can have survived the restart.
func (f *WhatsmeowFactory) PurgeAll(ctx context.Context) (int, error) {
	all, err := f.ledger.All()
	if err != nil {
		return 0, fmt.Errorf("failed to list device ledger: %w", err)
	}

	purged := 0
	var errs []error
	for campaignID := range all {
		if err := f.Purge(ctx, campaignID); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaignID, err))
			continue
		}
		purged++
	}
	return purged, errors.Join(errs...)
}

// Close closes the device store.
func (f *WhatsmeowFactory) Close() error {
	return f.container.Close()
}

type whatsmeowClient struct {
	campaignID string
	cli        *whatsmeow.Client
	ledger     *DeviceLedger
	handler    EventHandler
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *whatsmeowClient) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.handler(ev)
}

func (c *whatsmeowClient) Connect(ctx context.Context) error {
	qrChan, err := c.cli.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	go c.watchQR(qrChan)

	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *whatsmeowClient) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.emit(Event{Kind: EventQRReady, QRCode: item.Code, QRTimeout: item.Timeout})
		case "success":
			c.emit(Event{Kind: EventAuthenticated})
		case "timeout":
			c.emit(Event{Kind: EventDisconnected, Reason: "QR code expired without being scanned"})
		default:
			reason := "pairing failed: " + item.Event
			if item.Error != nil {
				reason = fmt.Sprintf("pairing failed: %v", item.Error)
			}
			c.emit(Event{Kind: EventDisconnected, Reason: reason})
		}
	}
}

func (c *whatsmeowClient) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		if err := c.ledger.Put(c.campaignID, v.ID.String()); err != nil {
			c.logger.Error("failed to record linked device", "error", err)
		}
	case *events.Connected:
		c.emit(Event{Kind: EventReady})
	case *events.LoggedOut:
		c.emit(Event{Kind: EventDisconnected, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventDisconnected, Reason: "session replaced by another client"})
	case *events.TemporaryBan:
		c.emit(Event{
			Kind:   EventDisconnected,
			Reason: fmt.Sprintf("temporary ban %s, expires in %v", v.Code.String(), v.Expire),
		})
	case *events.Disconnected:
		c.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.Receipt:
		if v.Type == events.ReceiptTypeDelivered || v.Type == events.ReceiptTypeRead {
			ids := make([]string, len(v.MessageIDs))
			copy(ids, v.MessageIDs)
			c.emit(Event{Kind: EventReceipt, MessageIDs: ids, At: v.Timestamp})
		}
	}
}

func (c *whatsmeowClient) Send(ctx context.Context, msg Message) (*SendResult, error) {
	if !c.cli.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	to := types.NewJID(msg.Phone, types.DefaultUserServer)

	if len(msg.Attachments) == 0 {
		return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(msg.Text)})
	}

	var last *SendResult
	for i, att := range msg.Attachments {
		caption := ""
		if i == 0 {
			caption = msg.Text
		}
		wire, captioned, err := c.mediaMessage(ctx, att, caption)
		if err != nil {
			return nil, err
		}
		if last, err = c.send(ctx, to, wire); err != nil {
			return nil, err
		}
		if i == 0 && !captioned && msg.Text != "" {
			if last, err = c.send(ctx, to, &waE2E.Message{Conversation: proto.String(msg.Text)}); err != nil {
				return nil, err
			}
		}
	}
	return last, nil
}

func (c *whatsmeowClient) send(ctx context.Context, to types.JID, wire *waE2E.Message) (*SendResult, error) {
	resp, err := c.cli.SendMessage(ctx, to, wire)
	if errors.Is(err, whatsmeow.ErrNotLoggedIn) || errors.Is(err, whatsmeow.ErrNotConnected) {
		return nil, fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &SendResult{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// mediaMessage uploads the file and builds the wire message. Images carry
// the caption; documents cannot, so the caller sends the text separately.
func (c *whatsmeowClient) mediaMessage(ctx context.Context, att Attachment, caption string) (*waE2E.Message, bool, error) {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read attachment: %w", err)
	}

	if strings.HasPrefix(att.MimeType, "image/") {
		up, err := c.cli.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, false, fmt.Errorf("failed to upload image: %w", err)
		}
		img := &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(att.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
		if caption != "" {
			img.Caption = proto.String(caption)
		}
		return &waE2E.Message{ImageMessage: img}, true, nil
	}

	up, err := c.cli.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upload document: %w", err)
	}
	mime := att.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	doc := &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mime),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		FileName:      proto.String(att.FileName),
		Title:         proto.String(att.FileName),
	}
	return &waE2E.Message{DocumentMessage: doc}, false, nil
}

// Close unlinks the device when it was paired and drops the connection.
// Events arriving afterwards are discarded.
func (c *whatsmeowClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if c.cli.Store.ID != nil {
		if c.cli.IsConnected() {
			if err := c.cli.Logout(ctx); err != nil {
				c.logger.Warn("logout failed, deleting device locally", "error", err)
				_ = c.cli.Store.Delete(ctx)
			}
		} else if err := c.cli.Store.Delete(ctx); err != nil {
			c.logger.Warn("failed to delete device", "error", err)
		}
		if err := c.ledger.Delete(c.campaignID); err != nil {
			c.logger.Warn("failed to clear device ledger", "error", err)
		}
	}
	c.cli.Disconnect()
}
