// Package dispatch decides, for every incoming room event, which entity (if
// any) produces a reply. The decision algorithm is an ordered rule list;
// the first matching rule wins.
package dispatch

import "github.com/mindroomhq/mindroom/internal/config"

// Action discriminates Decision.
type Action int

const (
	// ActionIgnore drops the event. Reason carries the matched rule.
	ActionIgnore Action = iota
	// ActionReply dispatches to a single entity.
	ActionReply
	// ActionTeamReply dispatches to a set of members under a team mode.
	ActionTeamReply
	// ActionRouterCommand hands a "!" command to the router.
	ActionRouterCommand
	// ActionUpdateContext records an edit into stored context without
	// producing a new reply.
	ActionUpdateContext
)

// Decision is the dispatch outcome for one (event, receiving bot) pair.
type Decision struct {
	Action   Action
	EntityID string          // ActionReply target
	TeamID   string          // ActionTeamReply team; empty for ad-hoc multi-mention groups
	Members  []string        // ActionTeamReply members, config order
	Mode     config.TeamMode // ActionTeamReply mode
	Reason   string          // rule that produced the decision
}

// Owner returns the entity whose bot acts on the decision: the reply target,
// the team (or first member for ad-hoc groups), or "" when nobody acts.
func (d Decision) Owner() string {
	switch d.Action {
	case ActionReply:
		return d.EntityID
	case ActionTeamReply:
		if d.TeamID != "" {
			return d.TeamID
		}
		if len(d.Members) > 0 {
			return d.Members[0]
		}
	}
	return ""
}

func ignore(reason string) Decision {
	return Decision{Action: ActionIgnore, Reason: reason}
}

func handleWith(entityID, reason string) Decision {
	return Decision{Action: ActionReply, EntityID: entityID, Reason: reason}
}

func handleWithTeam(members []string, mode config.TeamMode, reason string) Decision {
	return Decision{Action: ActionTeamReply, Members: members, Mode: mode, Reason: reason}
}
