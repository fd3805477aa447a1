package override

import (
	"fmt"
	"time"
)

// detectAbuse returns non-fatal flags for the grant under evaluation.
// Flags annotate the stored override and its audit event; Policy.
// RejectOnFlags escalates them to rejections.
func (r *Registry) detectAbuse(req Request, approvedAt time.Time) []string {
	var flags []string

	if flag := r.detectRubberStamp(req, approvedAt); flag != "" {
		flags = append(flags, flag)
	}
	if flag := r.detectCollusion(req, approvedAt); flag != "" {
		flags = append(flags, flag)
	}
	return flags
}

// detectRubberStamp flags approvals that land faster than the minimum
// deliberation delay after the request was filed.
func (r *Registry) detectRubberStamp(req Request, approvedAt time.Time) string {
	if r.policy.MinDeliberation <= 0 || req.RequestedAt.IsZero() {
		return ""
	}
	elapsed := approvedAt.Sub(req.RequestedAt)
	if elapsed >= 0 && elapsed < r.policy.MinDeliberation {
		return fmt.Sprintf("rubber-stamp: approved %s after request (minimum deliberation %s)", elapsed, r.policy.MinDeliberation)
	}
	return ""
}

// detectCollusion flags a granter who would hold more than the configured
// share of approvals for this grantee or this scope within the rolling
// window, counting the grant under evaluation.
func (r *Registry) detectCollusion(req Request, approvedAt time.Time) string {
	if r.policy.CollusionWindow <= 0 {
		return ""
	}
	windowStart := approvedAt.Add(-r.policy.CollusionWindow)

	granteeTotal, granteeByGranter := 1, 1
	scopeTotal, scopeByGranter := 1, 1

	r.mu.RLock()
	for i := range r.grants {
		g := &r.grants[i]
		if g.GrantedAt.Before(windowStart) {
			continue
		}
		if g.GranteeUserID == req.GranteeUserID {
			granteeTotal++
			if g.GranterID == req.GranterID {
				granteeByGranter++
			}
		}
		if g.Scope == req.Scope {
			scopeTotal++
			if g.GranterID == req.GranterID {
				scopeByGranter++
			}
		}
	}
	r.mu.RUnlock()

	// A single approval pair is not evidence of anything.
	if granteeTotal > 2 && float64(granteeByGranter)/float64(granteeTotal) > r.policy.CollusionShare {
		return fmt.Sprintf("collusion: granter %s holds %d/%d approvals for grantee %s", req.GranterID, granteeByGranter, granteeTotal, req.GranteeUserID)
	}
	if scopeTotal > 2 && float64(scopeByGranter)/float64(scopeTotal) > r.policy.CollusionShare {
		return fmt.Sprintf("collusion: granter %s holds %d/%d approvals for scope %s", req.GranterID, scopeByGranter, scopeTotal, req.Scope)
	}
	return ""
}
