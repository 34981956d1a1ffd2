package availability

import "context"

// StaticTokenProvider serves a fixed credential, typically loaded from
// config. Test doubles implement domain.TokenProvider directly.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	return p.token, nil
}
