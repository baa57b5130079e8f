package httpserver

import (
	"errors"
	"strings"

	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/oauth"
	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/scopedtoken"
)

// authResult is what resolveAuth hands back to a handler: either a usable
// gate.AuthContext, or an error code the caller presenting the credential
// already failed on (malformed/expired/revoked — spec §4.4/§4.5's own error
// tables), before the request ever reaches Gate.Handle.
type authResult struct {
	ctx  gate.AuthContext
	code pgerrors.ErrorCode
	msg  string
}

func (a authResult) failed() bool { return a.code != "" }

// resolveAuth extracts an X-Api-Key header or an Authorization: Bearer
// token and turns it into a gate.AuthContext. A bearer token prefixed with
// scopedtoken.Prefix is validated as a scoped token (spec §4.4); anything
// else is validated as an OAuth access token (spec §4.5). No credential at
// all is not itself an error here — free methods (initialize, tools/list,
// ping) don't require one; Gate.resolveAndCheckKey rejects tools/call
// without one with invalid_api_key.
func (h *handlers) resolveAuth(headerAPIKey, headerAuth, clientIP string) authResult {
	if headerAPIKey != "" {
		return authResult{ctx: gate.AuthContext{APIKey: headerAPIKey, ClientIP: clientIP}}
	}

	token, ok := bearerToken(headerAuth)
	if !ok {
		return authResult{ctx: gate.AuthContext{ClientIP: clientIP}}
	}

	if strings.HasPrefix(token, scopedtoken.Prefix) {
		return h.resolveScopedToken(token, clientIP)
	}
	return h.resolveOAuthToken(token, clientIP)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func (h *handlers) resolveScopedToken(token, clientIP string) authResult {
	if h.scopedTokens == nil {
		return authResult{code: pgerrors.ErrCodeTokenNotFound, msg: "scoped tokens are not configured"}
	}
	claims, err := h.scopedTokens.Validate(token)
	if err != nil {
		switch {
		case errors.Is(err, scopedtoken.ErrExpired):
			return authResult{code: pgerrors.ErrCodeTokenExpired, msg: "scoped token expired"}
		case errors.Is(err, scopedtoken.ErrRevoked):
			return authResult{code: pgerrors.ErrCodeTokenRevoked, msg: "scoped token revoked"}
		default:
			return authResult{code: pgerrors.ErrCodeTokenNotFound, msg: "invalid scoped token"}
		}
	}
	return authResult{ctx: gate.AuthContext{
		APIKey:              claims.APIKey,
		ClientIP:            clientIP,
		ScopedTokenTools:    claims.AllowedTools,
		HasScopedTokenTools: len(claims.AllowedTools) > 0,
	}}
}

func (h *handlers) resolveOAuthToken(token, clientIP string) authResult {
	if h.oauthProvider == nil {
		return authResult{code: pgerrors.ErrCodeTokenNotFound, msg: "oauth is not configured"}
	}
	at, err := h.oauthProvider.ValidateAccessToken(token)
	if err != nil {
		switch {
		case errors.Is(err, oauth.ErrTokenExpired):
			return authResult{code: pgerrors.ErrCodeTokenExpired, msg: "access token expired"}
		default:
			return authResult{code: pgerrors.ErrCodeTokenNotFound, msg: "invalid access token"}
		}
	}
	return authResult{ctx: gate.AuthContext{APIKey: at.APIKey, ClientIP: clientIP}}
}
