// Package auth verifies caller credentials.
//
// Two credential forms are accepted as an Authorization bearer value:
//
//   - signed access tokens (JWT, HS256/RS256/ES256) whose subject is the user
//     ID and which may carry an org_id claim
//   - API keys of the form tg_<base64url>, stored as SHA256 hashes and bound to
//     one organization
//
// Verification only establishes who the caller is. Choosing the organization
// context and checking membership happens in package principal.
//
//	tokens, _ := auth.NewTokenProvider(auth.TokenConfig{
//		Issuer:     "tenantguard",
//		Audience:   "tenantguard-api",
//		HMACSecret: secret,
//	})
//	authn := auth.NewAuthenticator(tokens, auth.NewAPIKeyStore(db))
//	cred, err := authn.Authenticate(ctx, auth.BearerToken(r.Header.Get("Authorization")))
package auth
