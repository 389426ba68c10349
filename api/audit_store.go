package api

import (
	"cmp"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/byu-ilab/onekey/storage"
)

const (
	auditRecordType = "AUDIT"
	// Fixed width so entries sort lexically by time.
	auditTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// auditRetentionThreshold is how many appends may pass between retention
	// sweeps when maxEntries is large.
	auditRetentionThreshold = 64
)

// auditEntry is one persisted line of an account's audit trail.
type auditEntry struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Event         AuditEvent `json:"event"`
	Authenticator string     `json:"authenticator,omitempty"`
	CreatedAt     string     `json:"created_at"`
}

func (a *API) appendAuditEntry(username string, event AuditEvent, authName string) error {
	if username == "" {
		return nil
	}
	entry := auditEntry{
		ID:            uuid.NewString(),
		Username:      username,
		Event:         event,
		Authenticator: authName,
		CreatedAt:     a.now().UTC().Format(auditTimeLayout),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := a.repo.Put(username, auditRecordType, entry.ID, storage.WrapPlain(data)); err != nil {
		return err
	}
	if a.auditMaxAge <= 0 && a.auditMaxEntries <= 0 {
		return nil
	}
	if a.auditAppendsSinceRetention.Add(1) < int64(a.auditRetentionCheckThreshold()) {
		return nil
	}
	a.auditAppendsSinceRetention.Store(0)
	return a.pruneAuditEntries(username)
}

// auditRetentionCheckThreshold is half of maxEntries, at least 1 and at most
// auditRetentionThreshold, so the trail never grows far past its cap.
func (a *API) auditRetentionCheckThreshold() int {
	if a.auditMaxEntries <= 0 {
		return auditRetentionThreshold
	}
	return max(1, min(a.auditMaxEntries/2, auditRetentionThreshold))
}

// pruneAuditEntries drops entries older than the retention age and the
// oldest entries beyond the retention count.
func (a *API) pruneAuditEntries(username string) error {
	entries, err := a.listAuditEntries(username, "")
	if err != nil {
		return err
	}
	cutoff := time.Time{}
	if a.auditMaxAge > 0 {
		cutoff = a.now().Add(-a.auditMaxAge)
	}
	for i, e := range entries {
		expired := a.auditMaxEntries > 0 && i >= a.auditMaxEntries
		if !expired && !cutoff.IsZero() {
			if created, err := time.Parse(auditTimeLayout, e.CreatedAt); err == nil && created.Before(cutoff) {
				expired = true
			}
		}
		if !expired {
			continue
		}
		if err := a.repo.Delete(username, auditRecordType, e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// listAuditEntries returns the trail for username, newest first. event
// filters by type when non-empty.
func (a *API) listAuditEntries(username string, event AuditEvent) ([]auditEntry, error) {
	ids, err := a.repo.List(username, auditRecordType)
	if errors.Is(err, storage.ErrNamespaceNotFound) {
		return []auditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make([]auditEntry, 0, len(ids))
	for _, id := range ids {
		env, err := a.repo.Get(username, auditRecordType, id)
		if err != nil || env == nil {
			continue
		}
		data, err := storage.UnwrapPlain(env)
		if err != nil {
			continue
		}
		var entry auditEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if event != "" && entry.Event != event {
			continue
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(x, y auditEntry) int {
		if c := cmp.Compare(y.CreatedAt, x.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return entries, nil
}
