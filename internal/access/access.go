// Package access implements C8: resolving an Actor's account grants and
// admin powers into a Session, and answering the privilege questions the
// order engine, the broker and the HTTP handlers each need to ask.
//
// Session state is recomputed per call rather than cached with a TTL (spec
// §9 Open Question, resolved in SPEC_FULL.md towards the simplest-correct
// option): every operation that needs a Session builds one fresh from the
// store.
package access

import (
	"github.com/danapple/brokergw/internal/model"
)

// AccountGrant is one Actor's relationship to one Account.
type AccountGrant struct {
	AccountID int64
	Nickname  string
	Privilege model.Privilege
}

// Session is the resolved snapshot of what one Actor may do, scoped to the
// request that asked for it.
type Session struct {
	Actor           model.Actor
	AllowedAccounts map[string]AccountGrant // keyed by account_key
	Powers          map[model.AdminPower]bool
}

// NewSession builds a Session from an Actor and the Access rows already
// joined to account keys by the caller (cmd/brokergw's authenticator, which
// resolves them from the store).
func NewSession(actor model.Actor, grants map[string]AccountGrant) Session {
	powers := make(map[model.AdminPower]bool, len(actor.Powers))
	for _, p := range actor.Powers {
		powers[p] = true
	}
	return Session{Actor: actor, AllowedAccounts: grants, Powers: powers}
}

// IsAllowedAccountPrivilege reports whether the session's actor holds at
// least the given privilege on the named account. OWNER satisfies any
// requirement; otherwise the grant must match exactly — SUBMIT, CANCEL and
// WITHDRAW are siblings, none implying the others. Per SPEC_FULL.md §4.8,
// callers must pass the privilege the operation actually needs — order
// submission checks Submit, cancellation checks Cancel, neither checks
// Read (the bug the original source had and this rewrite fixes).
func (s Session) IsAllowedAccountPrivilege(accountKey string, required model.Privilege) bool {
	grant, ok := s.AllowedAccounts[accountKey]
	if !ok {
		return false
	}
	return grant.Privilege == model.PrivilegeOwner || grant.Privilege == required
}

// IsAllowed reports whether the actor has any grant at all on the account,
// for endpoints that only gate on visibility (e.g. listing positions).
func (s Session) IsAllowed(accountKey string) bool {
	_, ok := s.AllowedAccounts[accountKey]
	return ok
}

// IsAdminAllowedPower reports whether the actor holds the given global
// admin power, or the blanket ALL power.
func (s Session) IsAdminAllowedPower(power model.AdminPower) bool {
	return s.Powers[power] || s.Powers[model.AdminPowerAll]
}

// GetAllowedAccounts returns the account keys the actor has any grant on.
// No HTTP route in internal/httpapi calls it.
func (s Session) GetAllowedAccounts() []string {
	keys := make([]string, 0, len(s.AllowedAccounts))
	for k := range s.AllowedAccounts {
		keys = append(keys, k)
	}
	return keys
}
