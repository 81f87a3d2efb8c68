package authz

import (
	"context"
	"testing"
)

func TestIdentityContextRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
	}{
		{
			name:     "admin",
			identity: Identity{User: "marta@lumenhouse.test", Roles: []string{RoleAdmin}},
		},
		{
			name:     "several roles",
			identity: Identity{User: "rui@lumenhouse.test", Roles: []string{RoleStaff, RoleViewer}},
		},
		{
			name:     "no roles",
			identity: Identity{User: "guest", Roles: nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithIdentity(context.Background(), tt.identity)
			got, ok := IdentityFromContext(ctx)
			if !ok {
				t.Fatal("expected identity in context, got none")
			}
			if got.User != tt.identity.User {
				t.Errorf("User = %q, want %q", got.User, tt.identity.User)
			}
			if len(got.Roles) != len(tt.identity.Roles) {
				t.Fatalf("Roles len = %d, want %d", len(got.Roles), len(tt.identity.Roles))
			}
			for i, r := range tt.identity.Roles {
				if !got.HasRole(r) || got.Roles[i] != r {
					t.Errorf("Roles[%d] = %q, want %q", i, got.Roles[i], r)
				}
			}
		})
	}
}

func TestIdentityFromContextMissing(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	if ok {
		t.Error("expected no identity in empty context")
	}
}

func TestActor(t *testing.T) {
	if got := Actor(context.Background()); got != "anonymous" {
		t.Errorf("Actor(empty) = %q, want anonymous", got)
	}
	ctx := WithIdentity(context.Background(), Identity{User: "marta"})
	if got := Actor(ctx); got != "marta" {
		t.Errorf("Actor = %q, want marta", got)
	}
}
