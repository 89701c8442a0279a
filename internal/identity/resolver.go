package identity

import (
	"context"
	"fmt"

	"lecca.io/scout-watchtower/internal/substrate"
)

// MaxDepth bounds how many super-account hops are followed. Identity chains
// are user controlled on-chain data.
const MaxDepth = 3

type Reader interface {
	IdentityOf(ctx context.Context, at string, who substrate.AccountID) (string, bool, error)
	SuperOf(ctx context.Context, at string, who substrate.AccountID) (substrate.AccountID, string, bool, error)
}

type Resolver struct {
	reader Reader
	prefix uint16
}

func NewResolver(reader Reader, ss58Prefix uint16) *Resolver {
	return &Resolver{reader: reader, prefix: ss58Prefix}
}

// DisplayName returns "display" for an account with an identity,
// "parent/sub" for a sub-account, or a shortened address otherwise.
func (r *Resolver) DisplayName(ctx context.Context, stash substrate.AccountID) (string, error) {
	var (
		who     = stash
		subName string
		seen    = map[substrate.AccountID]bool{}
	)

	for depth := 0; depth <= MaxDepth; depth++ {
		if seen[who] {
			break
		}
		seen[who] = true

		display, ok, err := r.reader.IdentityOf(ctx, "", who)
		if err != nil {
			return "", fmt.Errorf("identity of %s: %w", who.SS58(r.prefix), err)
		}
		if ok {
			if subName != "" {
				return display + "/" + subName, nil
			}
			return display, nil
		}

		parent, sub, ok, err := r.reader.SuperOf(ctx, "", who)
		if err != nil {
			return "", fmt.Errorf("super of %s: %w", who.SS58(r.prefix), err)
		}
		if !ok {
			break
		}
		// keep the name this stash is known by under its closest parent
		if subName == "" {
			subName = sub
		}
		who = parent
	}
	return stash.Short(r.prefix), nil
}
