package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kizuna/internal/core/domain"
)

func viewPerms() domain.Permissions {
	return domain.Permissions{CanView: true, MaxQualityPreset: domain.PresetUltra}
}

func TestAddRejectsDuplicatePeer(t *testing.T) {
	r := New(8, nil)

	_, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)

	_, err = r.Add("peer-a", viewPerms(), false)
	assert.ErrorIs(t, err, domain.ErrDuplicatePeer)
	assert.Equal(t, 1, r.Count())
}

func TestAddEnforcesViewerCap(t *testing.T) {
	r := New(2, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Add(domain.PeerID(fmt.Sprintf("peer-%d", i)), viewPerms(), true)
		require.NoError(t, err)
	}

	_, err := r.Add("peer-over", viewPerms(), true)
	assert.ErrorIs(t, err, domain.ErrViewerLimit)

	// Pending viewers count against the cap until rejected.
	require.NoError(t, r.Reject("peer-0"))
	_, err = r.Add("peer-over", viewPerms(), true)
	assert.NoError(t, err)
}

func TestApproveLifecycle(t *testing.T) {
	r := New(8, nil)

	id, err := r.Add("peer-a", viewPerms(), true)
	require.NoError(t, err)

	snap, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.ViewerPendingApproval, snap.State)

	got, err := r.Approve("peer-a")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	snap, _ = r.Get(id)
	assert.Equal(t, domain.ViewerConnected, snap.State)

	// Approving twice is an invalid transition.
	_, err = r.Approve("peer-a")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRejectOnlyPending(t *testing.T) {
	r := New(8, nil)

	_, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Reject("peer-a"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, r.Reject("peer-unknown"), domain.ErrViewerNotFound)
}

func TestRemoveFreesPeer(t *testing.T) {
	r := New(8, nil)

	id, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)
	require.NoError(t, r.Remove(id))

	_, ok := r.ByPeer("peer-a")
	assert.False(t, ok)

	_, err = r.Add("peer-a", viewPerms(), false)
	assert.NoError(t, err)
}

func TestPermissionsCommitAtSnapshot(t *testing.T) {
	r := New(8, nil)

	id, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)

	revoked := viewPerms()
	revoked.CanView = false
	require.NoError(t, r.UpdatePermissions(id, revoked))

	// Staged, not yet committed: reads still see the old grant.
	snap, _ := r.Get(id)
	assert.True(t, snap.Permissions.CanView)

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Permissions.CanView)
	assert.Greater(t, snaps[0].PermissionClock, snap.PermissionClock)

	snap, _ = r.Get(id)
	assert.False(t, snap.Permissions.CanView)
}

func TestLastStagedPermissionWins(t *testing.T) {
	r := New(8, nil)

	id, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)

	first := viewPerms()
	first.CanRecord = true
	second := viewPerms()
	second.CanRecord = false
	second.CanControlQuality = true
	require.NoError(t, r.UpdatePermissions(id, first))
	require.NoError(t, r.UpdatePermissions(id, second))

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Permissions.CanRecord)
	assert.True(t, snaps[0].Permissions.CanControlQuality)
}

func TestPresetCeiling(t *testing.T) {
	r := New(8, nil)
	assert.Equal(t, domain.PresetUltra, r.PresetCeiling())

	capped := viewPerms()
	capped.MaxQualityPreset = domain.PresetMedium
	idCapped, err := r.Add("peer-capped", capped, false)
	require.NoError(t, err)
	_, err = r.Add("peer-open", viewPerms(), false)
	require.NoError(t, err)

	assert.Equal(t, domain.PresetMedium, r.PresetCeiling())

	// Pending viewers do not cap the group.
	low := viewPerms()
	low.MaxQualityPreset = domain.PresetLow
	_, err = r.Add("peer-pending", low, true)
	require.NoError(t, err)
	assert.Equal(t, domain.PresetMedium, r.PresetCeiling())

	require.NoError(t, r.Remove(idCapped))
	assert.Equal(t, domain.PresetUltra, r.PresetCeiling())
}

func TestSetStateValidatesTransitions(t *testing.T) {
	r := New(8, nil)

	id, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, r.SetState(id, domain.ViewerStale), domain.ErrInvalidTransition)
	require.NoError(t, r.SetState(id, domain.ViewerActive))
	require.NoError(t, r.SetState(id, domain.ViewerStale))

	snap, _ := r.Get(id)
	assert.Equal(t, domain.QualityStale, snap.Quality)
}

func TestRecordTraffic(t *testing.T) {
	r := New(8, nil)

	id, err := r.Add("peer-a", viewPerms(), false)
	require.NoError(t, err)

	r.RecordTraffic(id, 1000, domain.QualityExcellent)
	r.RecordTraffic(id, 500, "")

	snap, _ := r.Get(id)
	assert.Equal(t, uint64(1500), snap.BytesSent)
	assert.Equal(t, domain.QualityExcellent, snap.Quality)
	assert.False(t, snap.LastFeedbackAt.IsZero())
}
