// Package scope resolves a session identity claim into the row-visibility
// restriction applied to every statement the session executes.
package scope

import (
	"context"
	"fmt"
	"strings"

	errx "github.com/dataquery-core-poc/server/internal/core/error"
)

// Identity is the trust-boundary claim supplied at session start: either an
// internal user, or a merchant named from the closed set of known stores.
type Identity struct {
	Internal bool   `envconfig:"SESSION_INTERNAL" default:"false"`
	Merchant string `envconfig:"SESSION_MERCHANT"`
}

// StoreCatalog looks up store identifiers by display name. Implemented by the
// SQLite data source. Returns "" (and nil error) when the name is unknown.
type StoreCatalog interface {
	StoreIDByName(ctx context.Context, name string) (string, error)
}

// Scope is the visibility restriction attached to a session. The zero value
// is unrestricted. Once resolved it never changes for the session lifetime.
type Scope struct {
	storeID   string
	storeName string
}

// Unrestricted returns the internal-user scope with full row visibility.
func Unrestricted() Scope {
	return Scope{}
}

// RestrictedTo returns a scope limited to a single store.
func RestrictedTo(storeID, storeName string) Scope {
	return Scope{storeID: storeID, storeName: storeName}
}

// IsRestricted reports whether the scope is limited to a single store.
func (s Scope) IsRestricted() bool {
	return s.storeID != ""
}

// StoreID returns the store identifier for a restricted scope, "" otherwise.
func (s Scope) StoreID() string {
	return s.storeID
}

// StoreName returns the merchant display name for a restricted scope.
func (s Scope) StoreName() string {
	return s.storeName
}

// ContextLine is the scope description slotted into every prompt so the model
// knows who it is serving. Enforcement never relies on it; the data source is
// pre-filtered before any statement runs.
func (s Scope) ContextLine() string {
	if s.IsRestricted() {
		return fmt.Sprintf("Serving for merchant: %s", s.storeName)
	}
	return "Serving for internal user"
}

// Resolve turns an identity claim into a Scope. An internal claim resolves to
// the unrestricted scope without touching the catalog. A merchant claim is
// validated against the known store set; an unknown name fails with
// errx.ErrUnknownScope and blocks session start.
func Resolve(ctx context.Context, catalog StoreCatalog, id Identity) (Scope, error) {
	if id.Internal {
		return Unrestricted(), nil
	}

	name := strings.TrimSpace(id.Merchant)
	if name == "" {
		return Scope{}, errx.NewUnknownScope(name)
	}

	storeID, err := catalog.StoreIDByName(ctx, name)
	if err != nil {
		return Scope{}, err
	}
	if storeID == "" {
		return Scope{}, errx.NewUnknownScope(name)
	}
	return RestrictedTo(storeID, name), nil
}
