package whatsapp

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// DeviceLedger remembers which linked device belongs to which campaign so
// that devices left behind by a crash can be unlinked on the next boot.
type DeviceLedger struct {
	db *bolt.DB
}

// OpenDeviceLedger opens (or creates) the ledger file.
func OpenDeviceLedger(path string) (*DeviceLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open device ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create devices bucket: %w", err)
	}

	return &DeviceLedger{db: db}, nil
}

// Put records the device JID linked for a campaign.
func (l *DeviceLedger) Put(campaignID, jid string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(campaignID), []byte(jid))
	})
}

// Get returns the device JID for a campaign, or "" when none is recorded.
func (l *DeviceLedger) Get(campaignID string) (string, error) {
	var jid string
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDevices).Get([]byte(campaignID)); v != nil {
			jid = string(v)
		}
		return nil
	})
	return jid, err
}

// Delete forgets a campaign's device.
func (l *DeviceLedger) Delete(campaignID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(campaignID))
	})
}

// All returns every campaign -> device JID pair.
func (l *DeviceLedger) All() (map[string]string, error) {
	out := make(map[string]string)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying database.
func (l *DeviceLedger) Close() error {
	return l.db.Close()
}
