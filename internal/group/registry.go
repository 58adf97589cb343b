// Package group implements the GroupRegistry of spec.md §4.4: the
// authoritative set of voice groups, with membership/max-size invariants,
// password protection, and presence-broadcast side effects.
package group

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
)

// Sentinel errors surfaced to clients verbatim per spec §7.
var (
	ErrGroupFull        = errors.New("GROUP_FULL")
	ErrGroupLimitReached = errors.New("GROUP_LIMIT_REACHED")
	ErrNameTooLong      = errors.New("NAME_TOO_LONG")
	ErrWrongPassword    = errors.New("WRONG_PASSWORD")
	ErrNotMember        = errors.New("NOT_MEMBER")
	ErrGroupNotFound    = errors.New("GROUP_NOT_FOUND")
	ErrInvalidSettings  = errors.New("INVALID_SETTINGS")
)

const maxNameLen = 32
const maxGroupsGlobalDefault = 100

// MembershipListener is notified whenever a group's membership changes, so
// the signaling layer can fan out group_members_updated / group_list
// broadcasts (spec §4.4 "Presence side-effect").
type MembershipListener func(groupID string, members []ids.PlayerID)

// managedGroup pairs a model.Group with its own mutex, so cross-group
// operations can lock two groups in a fixed order without a global lock.
type managedGroup struct {
	mu    sync.Mutex
	group model.Group
}

// Registry is the GroupRegistry.
type Registry struct {
	mu          sync.RWMutex // guards the two maps below, not group contents
	byID        map[string]*managedGroup
	ownerOf     map[ids.PlayerID]string // playerID -> groupID, at most one entry
	maxGroups   int
	defaultMax  int
	onMembership MembershipListener
}

// New constructs an empty Registry. maxGroups <= 0 uses the spec default
// of 100; defaultMaxMembers is used when a client doesn't specify one.
func New(maxGroups, defaultMaxMembers int, onMembership MembershipListener) *Registry {
	if maxGroups <= 0 {
		maxGroups = maxGroupsGlobalDefault
	}
	if defaultMaxMembers <= 0 {
		defaultMaxMembers = 20
	}
	return &Registry{
		byID:         make(map[string]*managedGroup),
		ownerOf:      make(map[ids.PlayerID]string),
		maxGroups:    maxGroups,
		defaultMax:   defaultMaxMembers,
		onMembership: onMembership,
	}
}

// HashPassword hashes a plaintext password for storage in GroupSettings.
func HashPassword(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return sum[:]
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Hash first so the comparison itself is still fixed-width;
		// length alone does not leak the password.
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Create makes a new group owned by creator, with the given name and
// settings (zero-value settings fields fall back to registry defaults).
func (r *Registry) Create(creator ids.PlayerID, name string, settings model.GroupSettings) (*model.Group, error) {
	if len(name) == 0 || len(name) > maxNameLen {
		return nil, ErrNameTooLong
	}
	if settings.MaxMembers <= 0 {
		settings.MaxMembers = r.defaultMax
	}
	if settings.MaxMembers < 1 || settings.MaxMembers > 200 {
		return nil, ErrInvalidSettings
	}

	r.mu.Lock()
	if len(r.byID) >= r.maxGroups {
		r.mu.Unlock()
		return nil, ErrGroupLimitReached
	}
	if prior, ok := r.ownerOf[creator]; ok {
		r.mu.Unlock()
		if err := r.Leave(creator, prior); err != nil {
			return nil, err
		}
		r.mu.Lock()
	}

	id := uuid.NewString()
	mg := &managedGroup{
		group: model.Group{
			ID:       id,
			Name:     name,
			Creator:  creator,
			Settings: settings,
			Members:  map[ids.PlayerID]struct{}{creator: {}},
		},
	}
	r.byID[id] = mg
	r.ownerOf[creator] = id
	r.mu.Unlock()

	r.notify(mg)
	return cloneGroup(&mg.group), nil
}

// Join adds player to groupID, enforcing the single-group and max-members
// invariants. If player already belongs to a different group, the leave and
// the join happen atomically under both groups' locks (spec §4.4: "A player
// leaves any prior group before joining another", and cross-group operations
// take locks in ascending group-id order so a concurrent switch in the
// opposite direction can never deadlock against this one).
func (r *Registry) Join(player ids.PlayerID, groupID, password string) error {
	r.mu.RLock()
	prior, hasPrior := r.ownerOf[player]
	r.mu.RUnlock()

	if hasPrior && prior != groupID {
		return r.switchGroup(player, prior, groupID, password)
	}

	r.mu.RLock()
	mg, ok := r.byID[groupID]
	r.mu.RUnlock()
	if !ok {
		return ErrGroupNotFound
	}

	mg.mu.Lock()
	err := func() error {
		if len(mg.group.Settings.PasswordHash) > 0 {
			if !constantTimeEqual(HashPassword(password), mg.group.Settings.PasswordHash) {
				return ErrWrongPassword
			}
		}
		if _, already := mg.group.Members[player]; already {
			return nil
		}
		if len(mg.group.Members) >= mg.group.Settings.MaxMembers {
			return ErrGroupFull
		}
		mg.group.Members[player] = struct{}{}
		return nil
	}()
	mg.mu.Unlock()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ownerOf[player] = groupID
	r.mu.Unlock()
	r.notify(mg)
	return nil
}

// switchGroup moves player from fromID to toID as a single atomic operation:
// both groups' mutexes are held, in ascending group-id order, for the whole
// leave+join so no other Join/Leave can observe player as a member of
// neither or both groups at once (spec §4.4's cross-group lock-ordering
// rule). fromID not existing (already gone) is not an error; toID not
// existing is.
func (r *Registry) switchGroup(player ids.PlayerID, fromID, toID, password string) error {
	r.mu.RLock()
	fromMG, fromOK := r.byID[fromID]
	toMG, toOK := r.byID[toID]
	r.mu.RUnlock()
	if !toOK {
		return ErrGroupNotFound
	}

	first, second := fromMG, toMG
	if fromOK && toID < fromID {
		first, second = toMG, fromMG
	}
	if first != nil {
		first.mu.Lock()
	}
	if second != nil && second != first {
		second.mu.Lock()
	}
	unlock := func() {
		if second != nil && second != first {
			second.mu.Unlock()
		}
		if first != nil {
			first.mu.Unlock()
		}
	}

	if len(toMG.group.Settings.PasswordHash) > 0 {
		if !constantTimeEqual(HashPassword(password), toMG.group.Settings.PasswordHash) {
			unlock()
			return ErrWrongPassword
		}
	}
	_, alreadyMember := toMG.group.Members[player]
	if !alreadyMember && len(toMG.group.Members) >= toMG.group.Settings.MaxMembers {
		unlock()
		return ErrGroupFull
	}

	if fromOK {
		delete(fromMG.group.Members, player)
	}
	if !alreadyMember {
		toMG.group.Members[player] = struct{}{}
	}

	var fromEmpty, fromPermanent bool
	var fromMembers []ids.PlayerID
	if fromOK {
		fromEmpty = len(fromMG.group.Members) == 0
		fromPermanent = fromMG.group.Settings.Permanent
		fromMembers = sortedMembers(fromMG.group.Members)
	}
	toMembers := sortedMembers(toMG.group.Members)
	unlock()

	r.mu.Lock()
	r.ownerOf[player] = toID
	if fromOK && fromEmpty && !fromPermanent {
		delete(r.byID, fromID)
	}
	r.mu.Unlock()

	if r.onMembership != nil {
		if fromOK && !(fromEmpty && !fromPermanent) {
			r.onMembership(fromID, fromMembers)
		}
		r.onMembership(toID, toMembers)
	}
	return nil
}

// Leave removes player from groupID. If the group becomes empty and is not
// permanent, it is destroyed (spec §4.4).
func (r *Registry) Leave(player ids.PlayerID, groupID string) error {
	r.mu.RLock()
	mg, ok := r.byID[groupID]
	r.mu.RUnlock()
	if !ok {
		return ErrGroupNotFound
	}

	mg.mu.Lock()
	if _, member := mg.group.Members[player]; !member {
		mg.mu.Unlock()
		return ErrNotMember
	}
	delete(mg.group.Members, player)
	empty := len(mg.group.Members) == 0
	permanent := mg.group.Settings.Permanent
	mg.mu.Unlock()

	r.mu.Lock()
	if r.ownerOf[player] == groupID {
		delete(r.ownerOf, player)
	}
	if empty && !permanent {
		delete(r.byID, groupID)
	}
	r.mu.Unlock()

	if !(empty && !permanent) {
		r.notify(mg)
	}
	return nil
}

// ForceLeaveCurrent removes player from whatever group it currently
// belongs to, if any. Used by ControlPlane.forceLeaveGroup.
func (r *Registry) ForceLeaveCurrent(player ids.PlayerID) error {
	r.mu.RLock()
	groupID, ok := r.ownerOf[player]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Leave(player, groupID)
}

// Update applies new settings to groupID; only the creator may do so.
func (r *Registry) Update(requester ids.PlayerID, groupID string, settings model.GroupSettings) error {
	r.mu.RLock()
	mg, ok := r.byID[groupID]
	r.mu.RUnlock()
	if !ok {
		return ErrGroupNotFound
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.group.Creator != requester {
		return fmt.Errorf("group: only the creator may update settings")
	}
	if settings.MaxMembers <= 0 {
		settings.MaxMembers = mg.group.Settings.MaxMembers
	}
	if settings.MaxMembers < 1 || settings.MaxMembers > 200 {
		return ErrInvalidSettings
	}
	if settings.MaxMembers < len(mg.group.Members) {
		return ErrGroupFull
	}
	mg.group.Settings = settings
	return nil
}

// Get returns a snapshot copy of groupID, or nil if it doesn't exist.
func (r *Registry) Get(groupID string) *model.Group {
	r.mu.RLock()
	mg, ok := r.byID[groupID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return cloneGroup(&mg.group)
}

// GroupOf returns the groupID player currently belongs to, if any.
func (r *Registry) GroupOf(player ids.PlayerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ownerOf[player]
	return id, ok
}

// List returns a snapshot of every group currently registered.
func (r *Registry) List() []*model.Group {
	r.mu.RLock()
	groups := make([]*managedGroup, 0, len(r.byID))
	for _, mg := range r.byID {
		groups = append(groups, mg)
	}
	r.mu.RUnlock()

	out := make([]*model.Group, 0, len(groups))
	for _, mg := range groups {
		mg.mu.Lock()
		out = append(out, cloneGroup(&mg.group))
		mg.mu.Unlock()
	}
	return out
}

func cloneGroup(g *model.Group) *model.Group {
	members := make(map[ids.PlayerID]struct{}, len(g.Members))
	for id := range g.Members {
		members[id] = struct{}{}
	}
	clone := *g
	clone.Members = members
	return &clone
}

func (r *Registry) notify(mg *managedGroup) {
	if r.onMembership == nil {
		return
	}
	mg.mu.Lock()
	members := sortedMembers(mg.group.Members)
	groupID := mg.group.ID
	mg.mu.Unlock()

	r.onMembership(groupID, members)
}

// sortedMembers snapshots a group's membership set into a deterministically
// ordered slice. Callers must already hold the owning managedGroup's lock.
func sortedMembers(m map[ids.PlayerID]struct{}) []ids.PlayerID {
	members := make([]ids.PlayerID, 0, len(m))
	for id := range m {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
	return members
}
