package sequencer

import (
	"testing"
	"time"

	"github.com/logdevice/logdevice/pkg/epochstore"
	"github.com/logdevice/logdevice/pkg/status"
	"github.com/logdevice/logdevice/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeEpochStore struct {
	code status.Code
	md   *types.EpochMetaData
	reqs []epochstore.NextEpochRequest
}

func (f *fakeEpochStore) CreateOrUpdateMetaData(req epochstore.NextEpochRequest, timeout time.Duration) (*types.EpochMetaData, status.Code) {
	f.reqs = append(f.reqs, req)
	return f.md, f.code
}

func TestStartActivationSucceedsAndFiresOnActivated(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1, LastWriterNode: 3}}
	seq := newSequencer(types.LogID(1))

	var activated *types.EpochMetaData
	seq.OnActivated = func(md *types.EpochMetaData) { activated = md }

	code := seq.startActivation(store, nil, nil, true, epochstore.NextEpochRequest{}, time.Second)
	require.Equal(t, status.OK, code)
	require.Equal(t, StateActive, seq.Snapshot().State)
	require.Equal(t, types.Epoch(1), seq.Snapshot().CurrentEpoch)
	require.NotNil(t, activated)
	require.Equal(t, types.Epoch(1), activated.Epoch)
}

func TestStartActivationAbortedByPredicate(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1}}
	seq := newSequencer(types.LogID(1))

	code := seq.startActivation(store, func(Snapshot) bool { return false }, nil, true, epochstore.NextEpochRequest{}, time.Second)
	require.Equal(t, status.ABORTED, code)
	require.Empty(t, store.reqs, "predicate rejection must not touch the epoch store")
	require.Equal(t, StateUnavailable, seq.Snapshot().State)
}

func TestStartActivationRecordsPreemption(t *testing.T) {
	store := &fakeEpochStore{code: status.ABORTED, md: &types.EpochMetaData{Epoch: 5, LastWriterNode: 9}}
	seq := newSequencer(types.LogID(1))

	code := seq.startActivation(store, nil, nil, true, epochstore.NextEpochRequest{}, time.Second)
	require.Equal(t, status.ABORTED, code)

	snap := seq.Snapshot()
	require.Equal(t, StatePreempted, snap.State)
	require.Equal(t, types.Epoch(5), snap.PreemptedEpoch)
	require.Equal(t, types.NodeIndex(9), snap.PreemptedBy)
}

func TestStartActivationPermanentErrorOnTooBig(t *testing.T) {
	store := &fakeEpochStore{code: status.TOOBIG}
	seq := newSequencer(types.LogID(1))

	code := seq.startActivation(store, nil, nil, true, epochstore.NextEpochRequest{}, time.Second)
	require.Equal(t, status.TOOBIG, code)
	require.Equal(t, StatePermanentError, seq.Snapshot().State)
}

func TestStartActivationTransientOnAgainReturnsToUnavailable(t *testing.T) {
	store := &fakeEpochStore{code: status.AGAIN}
	seq := newSequencer(types.LogID(1))

	code := seq.startActivation(store, nil, nil, true, epochstore.NextEpochRequest{}, time.Second)
	require.Equal(t, status.AGAIN, code)
	require.Equal(t, StateUnavailable, seq.Snapshot().State)
}

func TestStartActivationRejectsConcurrentAttempt(t *testing.T) {
	store := &fakeEpochStore{code: status.OK, md: &types.EpochMetaData{Epoch: 1}}
	seq := newSequencer(types.LogID(1))
	seq.state = StateActivating // simulate an attempt already in flight

	code := seq.startActivation(store, nil, nil, true, epochstore.NextEpochRequest{}, time.Second)
	require.Equal(t, status.AGAIN, code)
	require.Empty(t, store.reqs)
}
