package sessions

import (
	"sort"
	"time"
)

const (
	// DefaultInactiveTimeoutLimit is how long a session may go without a heartbeat before it counts as stale.
	DefaultInactiveTimeoutLimit = 5 * time.Minute
	// DefaultTimeoutCheckInterval is how often an editing client checks its own inactivity.
	DefaultTimeoutCheckInterval = 10 * time.Second
)

const (
	routeBlogDashboard    = "/blog/dashboard"
	routeProductDashboard = "/products/dashboard"
	routeHome             = "/"
)

// ConflictSet keeps the candidates that are active, not stale, and not selfID.
// Stale sessions are dropped even when still flagged active.
func ConflictSet(candidates []Session, selfID SessionID, now time.Time, inactiveTimeoutLimit time.Duration) []Session {
	if len(candidates) == 0 {
		return nil
	}
	var conflicts []Session
	for _, candidate := range candidates {
		if candidate.ID == selfID {
			continue
		}
		if !candidate.Active {
			continue
		}
		if candidate.IsStale(now, inactiveTimeoutLimit) {
			continue
		}
		conflicts = append(conflicts, candidate)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].ActivatedTimestamp == conflicts[j].ActivatedTimestamp {
			return conflicts[i].ID < conflicts[j].ID
		}
		return conflicts[i].ActivatedTimestamp < conflicts[j].ActivatedTimestamp
	})
	return conflicts
}

// SessionIDs extracts the identifiers of the provided sessions, skipping exclude.
func SessionIDs(sessionList []Session, exclude SessionID) []SessionID {
	if len(sessionList) == 0 {
		return nil
	}
	identifiers := make([]SessionID, 0, len(sessionList))
	for _, session := range sessionList {
		if session.ID == exclude {
			continue
		}
		identifiers = append(identifiers, session.ID)
	}
	return identifiers
}

// RedirectRouteFor maps a collection to the dashboard an evicted or timed out editor is sent to.
func RedirectRouteFor(path CollectionPath) string {
	switch path {
	case CollectionPosts:
		return routeBlogDashboard
	case CollectionProducts:
		return routeProductDashboard
	default:
		return routeHome
	}
}
