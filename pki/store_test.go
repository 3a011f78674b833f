package pki_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

func TestStoreCounters(t *testing.T) {
	s := pki.NewStore(memory.NewRepository())

	value, version, err := s.Counter("ca", "serial")
	require.NoError(t, err)
	assert.Zero(t, value)
	assert.Zero(t, version)

	require.NoError(t, s.SwapCounter("ca", "serial", 0, 1))
	require.ErrorIs(t, s.SwapCounter("ca", "serial", 0, 2), storage.ErrCASFailed, "stale version")

	value, version, err = s.Counter("ca", "serial")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value)
	assert.Equal(t, uint64(1), version)

	require.NoError(t, s.SwapCounter("ca", "serial", version, 2))

	// Counters are scoped by authority.
	value, _, err = s.Counter("other", "serial")
	require.NoError(t, err)
	assert.Zero(t, value)
}

func TestStoreDetectsRollback(t *testing.T) {
	marks := storage.NewMemoryWatermarks()
	s := pki.NewStore(memory.NewRepository(), pki.WithWatermarks(marks))
	require.NoError(t, s.SwapCounter("ca", "crl_number", 0, 5))

	// A store restored from an empty backup shares the durable watermarks.
	restored := pki.NewStore(memory.NewRepository(), pki.WithWatermarks(marks))
	_, _, err := restored.Counter("ca", "crl_number")
	var rollback storage.RollbackError
	require.ErrorAs(t, err, &rollback)
	assert.Equal(t, uint64(5), rollback.Seen)
	assert.Zero(t, rollback.Got)

	err = restored.SwapCounter("ca", "crl_number", 0, 3)
	require.ErrorAs(t, err, &rollback)
}

func TestStoreReserve(t *testing.T) {
	s := pki.NewStore(memory.NewRepository())
	serial := big.NewInt(0x1234)

	ok, err := s.Reserve("ca", serial, testEpoch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Reserve("ca", serial, testEpoch)
	require.NoError(t, err)
	assert.False(t, ok, "a serial is reserved at most once")

	ok, err = s.Reserve("other", serial, testEpoch)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreAppendLoad(t *testing.T) {
	marks := storage.NewMemoryWatermarks()
	repo := memory.NewRepository()
	s := pki.NewStore(repo, pki.WithWatermarks(marks))

	events, err := s.Load("ca")
	require.NoError(t, err)
	assert.Empty(t, events)

	for i, typ := range []pki.EventType{pki.EventIssued, pki.EventRevoked} {
		seq, err := s.Append("ca", pki.Event{
			Type:       typ,
			Serial:     "01",
			Time:       testEpoch,
			RecordedAt: testEpoch,
			Reason:     pki.ReasonSuperseded,
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	events, err = s.Load("ca")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, pki.EventIssued, events[0].Type)
	assert.Equal(t, uint64(2), events[1].Seq)
	serial, err := events[1].SerialNumber()
	require.NoError(t, err)
	assert.Equal(t, int64(1), serial.Int64())

	// Losing the ledger after events were seen is a rollback.
	_, err = pki.NewStore(memory.NewRepository(), pki.WithWatermarks(marks)).Load("ca")
	var rollback storage.RollbackError
	require.ErrorAs(t, err, &rollback)
}
