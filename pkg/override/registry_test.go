package override

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(policy Policy) *Registry {
	return NewRegistry(policy, nil).WithClock(func() time.Time { return testNow })
}

func validRequest() Request {
	return Request{
		Scope:           "content",
		GranterID:       "alice",
		GranteeUserID:   "bob",
		GranteeRole:     "editor",
		Justification:   "emergency fix for broken canonical URLs on the docs section",
		TicketReference: "OPS-4411",
		Duration:        time.Hour,
		RequestedAt:     testNow.Add(-10 * time.Minute),
	}
}

func TestGrantValidOverride(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())

	grant, rej := r.RequestOverride(context.Background(), validRequest())

	require.Nil(t, rej)
	require.NotNil(t, grant)
	assert.NotEmpty(t, grant.ID)
	assert.Equal(t, testNow, grant.GrantedAt)
	assert.Equal(t, testNow.Add(time.Hour), grant.ExpiresAt)
	assert.Empty(t, grant.Flags)
	assert.Len(t, r.ActiveOverrides(), 1)
}

func TestSelfApprovalAlwaysRejected(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	req := validRequest()
	req.GranterID = req.GranteeUserID

	grant, rej := r.RequestOverride(context.Background(), req)

	assert.Nil(t, grant)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons, "self-approval is forbidden")
}

func TestRejectionListsEveryFailedGround(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	req := validRequest()
	req.Justification = "too short"
	req.TicketReference = ""

	grant, rej := r.RequestOverride(context.Background(), req)

	assert.Nil(t, grant)
	require.NotNil(t, rej)
	require.Len(t, rej.Reasons, 2)
	assert.Contains(t, rej.Reasons[0], "justification must be at least")
	assert.Contains(t, rej.Reasons, "ticket reference is required")
}

func TestUnknownScopeRejected(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	req := validRequest()
	req.Scope = "billing"

	_, rej := r.RequestOverride(context.Background(), req)

	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons, `unknown scope "billing"`)
}

func TestDurationBounds(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())

	tooShort := validRequest()
	tooShort.Duration = time.Minute
	_, rej := r.RequestOverride(context.Background(), tooShort)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons[0], "outside policy bounds")

	tooLong := validRequest()
	tooLong.Duration = 24 * time.Hour
	_, rej = r.RequestOverride(context.Background(), tooLong)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons[0], "outside policy bounds")
}

func TestRoleNotPermittedForScope(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	req := validRequest()
	req.Scope = "deploy"
	req.GranteeRole = "editor"
	req.Duration = time.Hour

	_, rej := r.RequestOverride(context.Background(), req)

	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons[0], `role "editor" not permitted for scope "deploy"`)
}

func TestCircularGrantChainRejected(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()

	first := validRequest()
	first.GranteeRole = "operator"
	grant, rej := r.RequestOverride(ctx, first)
	require.Nil(t, rej)
	require.NotNil(t, grant)

	// bob now tries to grant alice in the same scope, closing the loop.
	back := validRequest()
	back.GranterID = "bob"
	back.GranteeUserID = "alice"
	back.GranteeRole = "operator"
	_, rej = r.RequestOverride(ctx, back)

	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons, "circular grant chain detected")
}

func TestTransitiveCircularChainRejected(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()

	grant := func(granter, grantee string) *Rejection {
		req := validRequest()
		req.GranterID = granter
		req.GranteeUserID = grantee
		_, rej := r.RequestOverride(ctx, req)
		return rej
	}

	require.Nil(t, grant("alice", "bob"))
	require.Nil(t, grant("bob", "carol"))
	rej := grant("carol", "alice")

	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons, "circular grant chain detected")
}

func TestCircularDetectionIsScopeLocal(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()

	first := validRequest()
	_, rej := r.RequestOverride(ctx, first)
	require.Nil(t, rej)

	// The reverse direction in a different scope is a different graph.
	back := validRequest()
	back.Scope = "seo"
	back.GranterID = "bob"
	back.GranteeUserID = "alice"
	back.GranteeRole = "operator"
	grant, rej := r.RequestOverride(ctx, back)

	assert.Nil(t, rej)
	assert.NotNil(t, grant)
}

func TestRubberStampFlag(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	req := validRequest()
	req.RequestedAt = testNow.Add(-10 * time.Second)

	grant, rej := r.RequestOverride(context.Background(), req)

	require.Nil(t, rej)
	require.NotNil(t, grant)
	require.Len(t, grant.Flags, 1)
	assert.Contains(t, grant.Flags[0], "rubber-stamp")
}

func TestCollusionFlag(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()

	var last []string
	for i := 0; i < 3; i++ {
		req := validRequest()
		req.TicketReference = fmt.Sprintf("OPS-%d", 100+i)
		grant, rej := r.RequestOverride(ctx, req)
		require.Nil(t, rej)
		last = grant.Flags
	}

	require.NotEmpty(t, last)
	assert.Contains(t, last[0], "collusion")
}

func TestRejectOnFlagsEscalates(t *testing.T) {
	policy := DefaultPolicy()
	policy.RejectOnFlags = true
	r := newTestRegistry(policy)
	req := validRequest()
	req.RequestedAt = testNow.Add(-5 * time.Second)

	grant, rej := r.RequestOverride(context.Background(), req)

	assert.Nil(t, grant)
	require.NotNil(t, rej)
	assert.Contains(t, rej.Reasons[0], "rubber-stamp")
}

func TestRevoke(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()
	grant, rej := r.RequestOverride(ctx, validRequest())
	require.Nil(t, rej)

	require.NoError(t, r.Revoke(ctx, grant.ID, "secops", "incident closed"))
	assert.Empty(t, r.ActiveOverrides())

	err := r.Revoke(ctx, grant.ID, "secops", "again")
	assert.ErrorContains(t, err, "already revoked")
	assert.ErrorContains(t, r.Revoke(ctx, "missing", "secops", ""), "not found")

	stored, ok := r.Get(grant.ID)
	require.True(t, ok)
	assert.Equal(t, "secops", stored.RevokedBy)
}

func TestRevokeAfterLaterGrants(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()

	pairs := [][2]string{{"alice", "bob"}, {"carl", "dana"}, {"erin", "frank"}}
	grants := make([]string, 0, len(pairs))
	for i, pair := range pairs {
		req := validRequest()
		req.GranterID = pair[0]
		req.GranteeUserID = pair[1]
		req.TicketReference = fmt.Sprintf("OPS-%d", 200+i)
		grant, rej := r.RequestOverride(ctx, req)
		require.Nil(t, rej)
		grants = append(grants, grant.ID)
	}

	// Revocation must stick even though the grant list grew afterwards.
	require.NoError(t, r.Revoke(ctx, grants[0], "secops", "incident closed"))

	active := r.ActiveOverrides()
	require.Len(t, active, 2)
	for _, grant := range active {
		assert.NotEqual(t, grants[0], grant.ID)
	}
	stored, ok := r.Get(grants[0])
	require.True(t, ok)
	require.NotNil(t, stored.RevokedAt)
	assert.Equal(t, "secops", stored.RevokedBy)
}

func TestExpiryExcludesFromActive(t *testing.T) {
	now := testNow
	r := NewRegistry(DefaultPolicy(), nil).WithClock(func() time.Time { return now })

	grant, rej := r.RequestOverride(context.Background(), validRequest())
	require.Nil(t, rej)
	require.Len(t, r.ActiveOverrides(), 1)

	now = grant.ExpiresAt.Add(time.Minute)
	assert.Empty(t, r.ActiveOverrides(), "an override never survives its expiry")
}

func TestReset(t *testing.T) {
	r := newTestRegistry(DefaultPolicy())
	ctx := context.Background()
	_, rej := r.RequestOverride(ctx, validRequest())
	require.Nil(t, rej)

	r.Reset()

	assert.Empty(t, r.ActiveOverrides())
	// Graph edges are gone too: the reverse grant is clean again.
	back := validRequest()
	back.GranterID = "bob"
	back.GranteeUserID = "alice"
	back.GranteeRole = "operator"
	grant, rej := r.RequestOverride(ctx, back)
	assert.Nil(t, rej)
	assert.NotNil(t, grant)
}
