package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestCheckpointAndGet(t *testing.T) {
	j := openTestJournal(t)

	inst := &types.Instance{
		ID:            "e5fcf112-7af2-4d9f-93ce-b93f0da9144d",
		WDID:          "68a1be97-9365-4007-b726-14c56bd69eef",
		ContainerName: "rrc-68a1be97-1234",
		State:         types.StateInit,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, j.Checkpoint(inst))

	rec, err := j.Get(inst.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, inst.WDID, rec.WDID)
	assert.Equal(t, types.StateInit, rec.State)
	assert.Equal(t, inst.ContainerName, rec.ContainerName)
}

func TestUnreapedSweepsOnlyUnconfirmedInstances(t *testing.T) {
	j := openTestJournal(t)

	// Crashed mid-INIT: never confirmed READY, so its container is lost
	// and must be reaped.
	lost := &types.Instance{ID: "lost-1", WDID: "wd-1", State: types.StateInit, ContainerName: "rrc-a"}
	// Confirmed READY before the crash: the container is serving a remote
	// user and survives the restart.
	serving := &types.Instance{ID: "serving-1", WDID: "wd-1", State: types.StateReady, ContainerName: "rrc-b"}
	done := &types.Instance{ID: "done-1", WDID: "wd-1", State: types.StateTerminated, ContainerName: "rrc-c"}
	require.NoError(t, j.Checkpoint(lost))
	require.NoError(t, j.Checkpoint(serving))
	require.NoError(t, j.Checkpoint(done))

	recs, err := j.Unreaped()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "lost-1", recs[0].ID)

	confirmed, err := j.ConfirmedContainers()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"rrc-b": true}, confirmed)
}

func TestReachedReadyIsSticky(t *testing.T) {
	j := openTestJournal(t)

	inst := &types.Instance{ID: "i-1", WDID: "wd-1", State: types.StateReady, ContainerName: "rrc-a"}
	require.NoError(t, j.Checkpoint(inst))

	// A crash mid-TERMINATING still counts as confirmed: the instance
	// reached READY in this run.
	inst.State = types.StateTerminating
	require.NoError(t, j.Checkpoint(inst))

	recs, err := j.Unreaped()
	require.NoError(t, err)
	assert.Empty(t, recs)

	// An instance aborted INIT -> TERMINATING without ever reaching READY
	// is swept.
	aborted := &types.Instance{ID: "i-2", WDID: "wd-1", State: types.StateInit, ContainerName: "rrc-b"}
	require.NoError(t, j.Checkpoint(aborted))
	aborted.State = types.StateTerminating
	require.NoError(t, j.Checkpoint(aborted))

	recs, err = j.Unreaped()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "i-2", recs[0].ID)
}

func TestForget(t *testing.T) {
	j := openTestJournal(t)

	inst := &types.Instance{ID: "gone-1", WDID: "wd-1", State: types.StateReady}
	require.NoError(t, j.Checkpoint(inst))
	require.NoError(t, j.Forget(inst.ID))

	rec, err := j.Get(inst.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	recs, err := j.Unreaped()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
