// Package whatsapp wraps one automated WhatsApp account connection per
// campaign behind a small event-driven contract.
package whatsapp

import (
	"context"
	"errors"
	"time"
)

// ErrNotLoggedIn is returned by Send when the account connection is not
// usable. It says nothing about the recipient.
var ErrNotLoggedIn = errors.New("client is not logged in")

// EventKind is the lifecycle stage reported by a client.
type EventKind string

const (
	EventQRReady       EventKind = "qr-ready"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventReceipt       EventKind = "receipt"
)

// Event is emitted by a Client to the handler supplied at creation.
type Event struct {
	Kind EventKind

	// qr-ready
	QRCode    string
	QRTimeout time.Duration

	// disconnected
	Reason string

	// receipt
	MessageIDs []string

	At time.Time
}

// Attachment is a file already stored on disk by the upload layer.
type Attachment struct {
	Path     string
	FileName string
	MimeType string
}

// Message is one outbound message to a single phone number.
type Message struct {
	Phone       string // digits only, international format
	Text        string
	Attachments []Attachment
}

// SendResult identifies the delivered message for later receipts.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Client is one live account connection.
type Client interface {
	// Connect starts pairing. Progress is reported through events; a
	// returned error means the connection never started.
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) (*SendResult, error)
	// Close releases the connection. Safe to call more than once.
	Close()
}

// EventHandler receives client events. It must not block.
type EventHandler func(Event)

// Factory creates clients bound to a campaign.
type Factory interface {
	NewClient(ctx context.Context, campaignID string, handler EventHandler) (Client, error)
}
