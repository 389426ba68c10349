package api

import (
	"crypto/x509/pkix"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byu-ilab/onekey/pki"
	"github.com/byu-ilab/onekey/storage/memory"
)

var (
	internalCAOnce sync.Once
	internalCA     *pki.Authority
)

func setupAuditTestAPI(t testing.TB, opts ...Option) *API {
	t.Helper()
	internalCAOnce.Do(func() {
		var err error
		internalCA, err = pki.NewAuthority(pkix.Name{CommonName: "Audit Test CA"}, 1,
			pki.WithKeyStore(pki.NewSoftwareKeyStore(pki.WithRSABits(1024))))
		if err != nil {
			panic(err)
		}
	})
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	a := New(internalCA, memory.NewRepository(), opts...)
	t.Cleanup(a.Close)
	return a
}

func TestAuditEntries_NewestFirstAndFiltered(t *testing.T) {
	a := setupAuditTestAPI(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.appendAuditEntry("alice", AuditAuthenticatorSigned, "laptop"))
	now = now.Add(time.Second)
	require.NoError(t, a.appendAuditEntry("alice", AuditLockIssued, "laptop"))
	now = now.Add(time.Second)
	require.NoError(t, a.appendAuditEntry("alice", AuditDataWritten, "laptop"))
	require.NoError(t, a.appendAuditEntry("bob", AuditLockIssued, "phone"))

	entries, err := a.listAuditEntries("alice", "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditDataWritten, entries[0].Event)
	assert.Equal(t, AuditAuthenticatorSigned, entries[2].Event)
	assert.Equal(t, "laptop", entries[0].Authenticator)

	entries, err = a.listAuditEntries("alice", AuditLockIssued)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Username)
}

func TestAuditEntries_UnknownAccountIsEmpty(t *testing.T) {
	a := setupAuditTestAPI(t)
	entries, err := a.listAuditEntries("nobody", "")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestAuditEntries_EmptyUsernameNotStored(t *testing.T) {
	a := setupAuditTestAPI(t)
	require.NoError(t, a.appendAuditEntry("", AuditRevocationListCreated, ""))
	ids, err := a.repo.List("", auditRecordType)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAuditRetentionCheckThreshold(t *testing.T) {
	tests := []struct {
		name       string
		maxEntries int
		want       int
	}{
		{"default threshold when maxEntries is large", 1000, auditRetentionThreshold},
		{"halved for small maxEntries", 10, 5},
		{"minimum of 1 for very small maxEntries", 1, 1},
		{"maxEntries 0 uses default", 0, auditRetentionThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &API{auditMaxEntries: tt.maxEntries}
			assert.Equal(t, tt.want, a.auditRetentionCheckThreshold())
		})
	}
}

func TestAuditRetention_CapsEntries(t *testing.T) {
	a := setupAuditTestAPI(t, WithAuditRetention(0, 5))

	for range 10 {
		require.NoError(t, a.appendAuditEntry("alice", AuditLockIssued, "laptop"))
	}

	entries, err := a.listAuditEntries("alice", "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 5, "retention should cap entries to maxEntries")
}

func TestAuditRetention_DropsOldEntries(t *testing.T) {
	a := setupAuditTestAPI(t, WithAuditRetention(time.Hour, 2))
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.appendAuditEntry("alice", AuditLockIssued, "laptop"))
	now = now.Add(2 * time.Hour)
	require.NoError(t, a.appendAuditEntry("alice", AuditDataWritten, "laptop"))

	entries, err := a.listAuditEntries("alice", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditDataWritten, entries[0].Event)
}

func TestAuditRetention_NoRetentionDoesNotPrune(t *testing.T) {
	a := setupAuditTestAPI(t)

	for range 20 {
		require.NoError(t, a.appendAuditEntry("alice", AuditLockIssued, "laptop"))
	}

	entries, err := a.listAuditEntries("alice", "")
	require.NoError(t, err)
	assert.Len(t, entries, 20, "without retention, all entries should be kept")
}

func BenchmarkAuditAppend_NoRetention(b *testing.B) {
	a := setupAuditTestAPI(b)
	for b.Loop() {
		if err := a.appendAuditEntry("alice", AuditLockIssued, "laptop"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAuditAppend_Retention100(b *testing.B) {
	a := setupAuditTestAPI(b, WithAuditRetention(0, 100))
	for b.Loop() {
		if err := a.appendAuditEntry("alice", AuditLockIssued, "laptop"); err != nil {
			b.Fatal(err)
		}
	}
}
