package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

const directoryRefreshInterval = 5 * time.Minute

// ServiceDirectory holds the credentials of the backend services allowed
// into the VAULT account. Entries live in PostgreSQL and are mirrored into
// memory so callout requests never wait on the database; the mirror refreshes
// on a timer to pick up new services without a restart.
type ServiceDirectory struct {
	db     *sql.DB
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string][]byte
}

// NewServiceDirectory loads the initial entries and starts the refresh loop.
func NewServiceDirectory(ctx context.Context, db *sql.DB) (*ServiceDirectory, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	d := &ServiceDirectory{db: db, cancel: cancel}
	if err := d.reload(loopCtx); err != nil {
		cancel()
		return nil, err
	}
	go d.run(loopCtx)
	return d, nil
}

func (d *ServiceDirectory) reload(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, "SELECT username, password FROM service_accounts")
	if err != nil {
		return err
	}
	defer rows.Close()

	entries := make(map[string][]byte)
	for rows.Next() {
		var username, password string
		if err := rows.Scan(&username, &password); err != nil {
			return err
		}
		entries[username] = []byte(password)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()

	slog.Info("Service directory reloaded", "count", len(entries))
	return nil
}

func (d *ServiceDirectory) run(ctx context.Context) {
	ticker := time.NewTicker(directoryRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.reload(ctx); err != nil {
				slog.Error("Failed to reload service directory", "error", err)
			}
		}
	}
}

// Verify checks a credential pair against the directory. The comparison is
// constant time so a probe cannot distinguish a wrong password from an
// unknown username.
func (d *ServiceDirectory) Verify(username, password string) bool {
	d.mu.RLock()
	stored, ok := d.entries[username]
	d.mu.RUnlock()
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare(stored, []byte(password)) == 1
}

// Close stops the background refresh goroutine.
func (d *ServiceDirectory) Close() {
	d.cancel()
}
