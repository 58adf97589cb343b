package model

import "github.com/zokiio/ovc/internal/ids"

// GroupSettings configures a Group's behavior. See spec.md §3.
type GroupSettings struct {
	IsIsolated        bool
	ProximityOverride *float64 // meters; nil = no override
	PasswordHash      []byte   // sha256 digest, nil = no password
	Permanent         bool
	GlobalVoice       bool
	Spatial           bool
	MinVolume         float64 // in [0,1]
	MaxMembers        int     // in [1,200]
}

// Group is an authoritative voice group: a set of members plus settings.
// The registry is the sole mutator; callers receive read-only snapshots.
type Group struct {
	ID       string
	Name     string // <= 32 chars
	Creator  ids.PlayerID
	Settings GroupSettings
	Members  map[ids.PlayerID]struct{}
}

// GroupSnapshot is the wire-safe, read-only view of a Group returned to clients.
type GroupSnapshot struct {
	GroupID     string   `json:"groupId"`
	GroupName   string   `json:"groupName"`
	MemberCount int      `json:"memberCount"`
	MaxMembers  int      `json:"maxMembers"`
	IsIsolated  bool     `json:"isIsolated"`
	HasPassword bool     `json:"hasPassword"`
	Permanent   bool     `json:"permanent"`
}

// PlayerSnapshot is the wire-safe view of a connected player returned in
// player_list replies.
type PlayerSnapshot struct {
	PlayerID ids.PlayerID `json:"playerId"`
	Username string       `json:"username"`
	GroupID  string       `json:"groupId,omitempty"`
	Muted    bool         `json:"muted"`
}

// ToSnapshot builds the wire-safe view of g. Caller must hold whatever lock
// guards g's Members map.
func (g *Group) ToSnapshot() GroupSnapshot {
	return GroupSnapshot{
		GroupID:     g.ID,
		GroupName:   g.Name,
		MemberCount: len(g.Members),
		MaxMembers:  g.Settings.MaxMembers,
		IsIsolated:  g.Settings.IsIsolated,
		HasPassword: len(g.Settings.PasswordHash) > 0,
		Permanent:   g.Settings.Permanent,
	}
}
