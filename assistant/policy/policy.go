// Package policy maps contact trust tiers to agent capability sets and
// implements the runtime permission callback for restricted tiers.
package policy

// Tier is the trust level of a contact.
type Tier string

const (
	TierAdmin    Tier = "admin"
	TierWife     Tier = "wife"
	TierFamily   Tier = "family"
	TierFavorite Tier = "favorite"
	TierBots     Tier = "bots"
	TierUnknown  Tier = "unknown"
)

// rank orders tiers by capability, descending. admin and wife are equal.
var rank = map[Tier]int{
	TierAdmin:    4,
	TierWife:     4,
	TierFamily:   3,
	TierFavorite: 2,
	TierBots:     1,
	TierUnknown:  0,
}

// Rank returns the capability rank of a tier; unknown tiers rank lowest.
func Rank(t Tier) int { return rank[t] }

// Blessed reports whether a tier is trusted enough to admit a group
// conversation on its own.
func Blessed(t Tier) bool { return Rank(t) >= rank[TierFavorite] }

// IsAdmin reports whether a tier carries admin privileges.
func IsAdmin(t Tier) bool { return t == TierAdmin || t == TierWife }

// Parse normalizes a tier string; anything unrecognized is unknown.
func Parse(s string) Tier {
	switch Tier(s) {
	case TierAdmin, TierWife, TierFamily, TierFavorite, TierBots, TierUnknown:
		return Tier(s)
	default:
		return TierUnknown
	}
}

// Capability is the agent option set derived from a tier.
type Capability struct {
	AllowedTools   []string
	PermissionMode string
	MaxTurns       int
	// NeedsCallback marks tiers whose tool calls are additionally gated
	// at runtime by the permission callback.
	NeedsCallback bool
}

var adminTools = []string{
	"Read", "Write", "Edit", "Bash", "Glob", "Grep",
	"WebSearch", "WebFetch", "Task", "NotebookEdit", "Skill", "AskUserQuestion",
}

var familyTools = []string{
	"Read", "Write", "Edit", "Bash", "Glob", "Grep",
	"WebSearch", "WebFetch", "Task",
}

var restrictedTools = []string{
	"Read", "Grep", "Glob", "WebSearch", "WebFetch", "Bash",
}

// ForTier returns the capability set for a tier. Group sessions run
// admin-equivalent regardless of the sender's tier; the sender tier is
// surfaced in the wrapped prompt instead.
func ForTier(t Tier, isGroup bool) Capability {
	if isGroup || IsAdmin(t) {
		return Capability{
			AllowedTools:   adminTools,
			PermissionMode: "bypassPermissions",
			MaxTurns:       200,
		}
	}
	switch t {
	case TierFamily:
		return Capability{
			AllowedTools:   familyTools,
			PermissionMode: "default",
			MaxTurns:       50,
			NeedsCallback:  true,
		}
	default: // favorite, bots, unknown
		return Capability{
			AllowedTools:   restrictedTools,
			PermissionMode: "default",
			MaxTurns:       30,
			NeedsCallback:  true,
		}
	}
}
