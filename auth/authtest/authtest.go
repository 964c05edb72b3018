// Package authtest provides an in-memory Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-sessions-go/auth"
)

// StaticTokens accepts a fixed set of tokens, each mapped to a user id.
type StaticTokens map[string]string

var _ auth.Authenticator = StaticTokens(nil)

func (s StaticTokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	id, ok := s[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User(id), nil
}

// User is a UserInfo whose only claim is its subject.
type User string

func (u User) UserID() string { return string(u) }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
