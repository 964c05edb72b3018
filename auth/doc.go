// Package auth provides the bearer-token collaborator used by the streaming
// HTTP transport. The transport extracts the token, asks an Authenticator to
// verify it, and hands the resulting UserInfo to sessions as an opaque caller
// value. Nothing below the transport inspects it.
//
// # Access Token Authentication
//
// NewAccessTokenAuthenticator validates JWT access tokens against an issuer's
// JWKS. The key set is either pinned with WithJWKSURL or found through the
// issuer's OpenID configuration document.
//
//	authn, err := auth.NewAccessTokenAuthenticator(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("mcp:call"),
//	)
//	if err != nil { log.Fatal(err) }
//
// Tools can recover the principal with UserFrom:
//
//	if ui, ok := auth.UserFrom(caller); ok { log.Print(ui.UserID()) }
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s). NewChallenge maps either to the status code and
// WWW-Authenticate header the transport writes.
package auth
