package domain

import "context"

const (
	RoleCashier   = "cashier"
	RoleShopAdmin = "shop_admin"
	RoleSiteAdmin = "site_admin"
)

// ActorContext identifies who is calling the engine and for which shop.
// Site admins are not bound to a shop.
type ActorContext struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	ShopID string `json:"shop_id"`
}

func (a ActorContext) IsAdmin() bool {
	return a.Role == RoleShopAdmin || a.Role == RoleSiteAdmin
}

// CanActOn reports whether the actor may operate on shopID at all.
func (a ActorContext) CanActOn(shopID string) bool {
	switch a.Role {
	case RoleSiteAdmin:
		return true
	case RoleShopAdmin, RoleCashier:
		return a.ShopID != "" && a.ShopID == shopID
	}
	return false
}

func ValidRole(role string) bool {
	switch role {
	case RoleCashier, RoleShopAdmin, RoleSiteAdmin:
		return true
	}
	return false
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor ActorContext) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (ActorContext, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(ActorContext)
	return actor, ok
}
