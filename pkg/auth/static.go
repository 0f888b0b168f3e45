package auth

import "context"

// StaticProvider authenticates against a fixed token table. It is intended
// for development setups and tests; production deployments use the JWT
// provider or a custom one.
type StaticProvider struct {
	tokens map[string]Identity
}

// NewStaticProvider creates a provider from a token to identity table.
// The map is copied; later mutation of the argument has no effect.
func NewStaticProvider(tokens map[string]Identity) *StaticProvider {
	copied := make(map[string]Identity, len(tokens))
	for token, id := range tokens {
		copied[token] = id
	}
	return &StaticProvider{tokens: copied}
}

// Authenticate looks the token up in the table.
func (p *StaticProvider) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, ok := p.tokens[token]
	if !ok {
		return nil, &Error{Reason: "invalid token"}
	}
	if !id.Permission.Valid() {
		return nil, &Error{Reason: "invalid permission"}
	}
	out := id
	return &out, nil
}
