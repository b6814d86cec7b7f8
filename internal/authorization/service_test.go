package authorization

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/yapepro/internal/tenantcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+ulid.Make().String()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func user(id, role string) tenantcontext.Actor {
	return tenantcontext.Actor{Type: tenantcontext.ActorTypeUser, ID: id, Role: role}
}

func TestAuthorizeRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		actor  tenantcontext.Actor
		object string
		action string
		err    error
	}{
		{"cashier resolves review", user("u1", RoleCashier), ObjectReview, ActionReviewResolve, nil},
		{"cashier cannot reject review", user("u1", RoleCashier), ObjectReview, ActionReviewReject, ErrForbidden},
		{"cashier cannot read audit", user("u1", RoleCashier), ObjectAuditLog, ActionAuditLogView, ErrForbidden},
		{"store admin rejects review", user("u2", RoleStoreAdmin), ObjectReview, ActionReviewReject, nil},
		{"saas admin reads audit", user("u3", RoleSaaSAdmin), ObjectAuditLog, ActionAuditLogView, nil},
		{"saas admin cannot resolve", user("u3", RoleSaaSAdmin), ObjectReview, ActionReviewResolve, ErrForbidden},
		{"system matches", tenantcontext.Actor{Type: tenantcontext.ActorTypeSystem}, ObjectTransaction, ActionTransactionMatch, nil},
		{"unknown role", user("u4", "owner"), ObjectOrder, ActionOrderView, ErrInvalidRole},
		{"anonymous user", tenantcontext.Actor{Type: tenantcontext.ActorTypeUser}, ObjectOrder, ActionOrderView, ErrInvalidActor},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, "77", tc.object, tc.action)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestAuthorizeFollowsRoleChanges(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, user("u1", RoleStoreAdmin), "77", ObjectReview, ActionReviewReject))
	// The same operator demoted to cashier loses the permission in that tenant.
	assert.ErrorIs(t, svc.Authorize(ctx, user("u1", RoleCashier), "77", ObjectReview, ActionReviewReject), ErrForbidden)
	assert.NoError(t, svc.Authorize(ctx, user("u1", RoleStoreAdmin), "78", ObjectReview, ActionReviewReject))
}

func TestAuthorizeValidatesInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	actor := user("u1", RoleCashier)

	assert.ErrorIs(t, svc.Authorize(ctx, actor, "", ObjectOrder, ActionOrderView), ErrInvalidTenant)
	assert.ErrorIs(t, svc.Authorize(ctx, actor, "77", "", ActionOrderView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, actor, "77", ObjectOrder, " "), ErrInvalidAction)
}
