// Package registry owns the per-viewer state for one session. It is the
// single writer of viewer records; everything else sees read-only
// snapshots taken once per frame. Permission changes are staged with a
// logical clock and committed atomically at the next snapshot, which is
// how "takes effect on the next frame boundary" is enforced.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"kizuna/internal/core/domain"
	"kizuna/pkg/utils"
)

// Registry tracks viewers for one session.
type Registry struct {
	mu  sync.RWMutex
	max int
	log *zap.SugaredLogger

	viewers map[domain.ViewerID]*domain.ViewerRecord
	byPeer  map[domain.PeerID]domain.ViewerID

	staged map[domain.ViewerID]stagedPermissions
	clock  uint64
}

type stagedPermissions struct {
	perms domain.Permissions
	stamp uint64
}

// New creates a registry bounded at maxViewers.
func New(maxViewers int, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		max:     maxViewers,
		log:     log,
		viewers: make(map[domain.ViewerID]*domain.ViewerRecord),
		byPeer:  make(map[domain.PeerID]domain.ViewerID),
		staged:  make(map[domain.ViewerID]stagedPermissions),
	}
}

// Add admits a peer as a viewer. pending controls whether the viewer waits
// for approval or is connected immediately. A peer may hold at most one
// viewer per session and the viewer cap holds at all times.
func (r *Registry) Add(peer domain.PeerID, perms domain.Permissions, pending bool) (domain.ViewerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byPeer[peer]; dup {
		return "", domain.ErrDuplicatePeer
	}
	if len(r.viewers) >= r.max {
		return "", domain.ErrViewerLimit
	}

	id := domain.ViewerID(utils.GenerateViewerID())
	state := domain.ViewerConnected
	if pending {
		state = domain.ViewerPendingApproval
	}
	r.clock++
	r.viewers[id] = &domain.ViewerRecord{
		ID:              id,
		Peer:            peer,
		State:           state,
		Permissions:     perms,
		PermissionClock: r.clock,
		Quality:         domain.QualityGood,
		JoinedAt:        time.Now(),
	}
	r.byPeer[peer] = id
	return id, nil
}

// Approve moves a pending viewer to connected.
func (r *Registry) Approve(peer domain.PeerID) (domain.ViewerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPeer[peer]
	if !ok {
		return "", domain.ErrViewerNotFound
	}
	rec := r.viewers[id]
	if !rec.State.CanTransition(domain.ViewerConnected) {
		return "", domain.ErrInvalidTransition
	}
	rec.State = domain.ViewerConnected
	return id, nil
}

// Reject removes a pending viewer.
func (r *Registry) Reject(peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPeer[peer]
	if !ok {
		return domain.ErrViewerNotFound
	}
	if r.viewers[id].State != domain.ViewerPendingApproval {
		return domain.ErrInvalidTransition
	}
	r.dropLocked(id)
	return nil
}

// Remove disconnects and deletes a viewer.
func (r *Registry) Remove(id domain.ViewerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; !ok {
		return domain.ErrViewerNotFound
	}
	r.dropLocked(id)
	return nil
}

func (r *Registry) dropLocked(id domain.ViewerID) {
	rec := r.viewers[id]
	delete(r.byPeer, rec.Peer)
	delete(r.viewers, id)
	delete(r.staged, id)
}

// UpdatePermissions stages a permission change; it is committed, stamped
// with the logical clock, by the next Snapshot call.
func (r *Registry) UpdatePermissions(id domain.ViewerID, perms domain.Permissions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; !ok {
		return domain.ErrViewerNotFound
	}
	r.clock++
	r.staged[id] = stagedPermissions{perms: perms, stamp: r.clock}
	return nil
}

// SetState applies a viewer state transition, validating it.
func (r *Registry) SetState(id domain.ViewerID, next domain.ViewerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.viewers[id]
	if !ok {
		return domain.ErrViewerNotFound
	}
	if !rec.State.CanTransition(next) {
		return domain.ErrInvalidTransition
	}
	rec.State = next
	if next == domain.ViewerStale {
		rec.Quality = domain.QualityStale
	}
	return nil
}

// RecordTraffic accumulates bytes sent and the latest feedback time.
func (r *Registry) RecordTraffic(id domain.ViewerID, bytes uint64, quality domain.ConnectionQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.viewers[id]; ok {
		rec.BytesSent += bytes
		if quality != "" {
			rec.Quality = quality
		}
		rec.LastFeedbackAt = time.Now()
	}
}

// Snapshot commits staged permission changes and returns read-only copies
// ordered by join time. The broadcast scheduler calls this once per frame,
// which is the commit point for permissions.
func (r *Registry) Snapshot() []domain.ViewerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.staged {
		rec := r.viewers[id]
		rec.Permissions = st.perms
		rec.PermissionClock = st.stamp
		delete(r.staged, id)
	}

	out := make([]domain.ViewerSnapshot, 0, len(r.viewers))
	for _, rec := range r.viewers {
		out = append(out, snapshotOf(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Get returns a read-only copy of one viewer.
func (r *Registry) Get(id domain.ViewerID) (domain.ViewerSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.viewers[id]
	if !ok {
		return domain.ViewerSnapshot{}, false
	}
	return snapshotOf(rec), true
}

// ByPeer resolves a peer's viewer id.
func (r *Registry) ByPeer(peer domain.PeerID) (domain.ViewerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[peer]
	return id, ok
}

// Count returns the current viewer count, pending included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// PresetCeiling is the lowest max_quality_preset across admitted viewers;
// the group operating point clamps to it so a capped viewer never receives
// frames above its grant.
func (r *Registry) PresetCeiling() domain.QualityPreset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ceiling := domain.PresetUltra
	for _, rec := range r.viewers {
		if rec.State == domain.ViewerPendingApproval || rec.State == domain.ViewerDisconnected {
			continue
		}
		if rec.Permissions.MaxQualityPreset.Rank() > 0 &&
			rec.Permissions.MaxQualityPreset.Rank() < ceiling.Rank() {
			ceiling = rec.Permissions.MaxQualityPreset
		}
	}
	return ceiling
}

func snapshotOf(rec *domain.ViewerRecord) domain.ViewerSnapshot {
	return domain.ViewerSnapshot{
		ID:              rec.ID,
		Peer:            rec.Peer,
		State:           rec.State,
		Permissions:     rec.Permissions,
		PermissionClock: rec.PermissionClock,
		Quality:         rec.Quality,
		JoinedAt:        rec.JoinedAt,
		BytesSent:       rec.BytesSent,
		LastFeedbackAt:  rec.LastFeedbackAt,
	}
}
