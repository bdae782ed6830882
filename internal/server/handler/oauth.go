package handler

import (
	"net/http"
	"net/url"

	"github.com/aspect-build/sealvault/internal/connection"
	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/gin-gonic/gin"
)

var failureMessages = map[connection.FailureKind]string{
	connection.KindInvalidRequest: "missing or malformed callback parameters",
	connection.KindInvalidState:   "authorization request expired or was already used",
	connection.KindTokenError:     "the provider rejected the authorization",
	connection.KindDatabaseError:  "could not save the connection",
	connection.KindServerError:    "unexpected server error",
}

type authorizeRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// HandleAuthorize handles POST /v1/connections/:provider/authorize.
func HandleAuthorize(mgr *connection.Manager, registry provider.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := enabledProvider(c, registry)
		if !ok {
			return
		}
		var req authorizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		authURL, state, err := mgr.BeginAuthorization(c.Request.Context(), p, req.UserID)
		if err != nil {
			respondError(c, err, "failed to start authorization")
			return
		}
		c.JSON(http.StatusOK, gin.H{"authorization_url": authURL, "state": state})
	}
}

// HandleOAuthCallback handles GET /oauth/:provider/callback. The browser is
// always redirected to completionURL, with the outcome in the query string.
func HandleOAuthCallback(mgr *connection.Manager, completionURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := c.Query("state")
		p, err := provider.Parse(c.Param("provider"))
		if err != nil {
			abandon(c, mgr, state)
			redirectFailure(c, completionURL, connection.KindInvalidRequest)
			return
		}
		if denied := c.Query("error"); denied != "" {
			logx.Infof("oauth callback for %s returned error %q", p, denied)
			abandon(c, mgr, state)
			redirectFailure(c, completionURL, connection.KindInvalidRequest)
			return
		}

		conn, err := mgr.CompleteAuthorization(c.Request.Context(), p, c.Query("code"), state)
		if err != nil {
			kind := connection.KindOf(err)
			logx.Warnf("oauth callback for %s failed (%s): %v", p, kind, err)
			redirectFailure(c, completionURL, kind)
			return
		}

		account := conn.Email
		if account == "" {
			account = conn.ExternalAccountID
		}
		redirect(c, completionURL, url.Values{
			"success":  {"true"},
			"account":  {account},
			"provider": {p.String()},
		})
	}
}

// abandon burns the state of a callback that is rejected before redemption.
func abandon(c *gin.Context, mgr *connection.Manager, state string) {
	if err := mgr.AbandonAuthorization(c.Request.Context(), state); err != nil {
		logx.Warnf("could not discard oauth state: %v", err)
	}
}

func redirectFailure(c *gin.Context, completionURL string, kind connection.FailureKind) {
	redirect(c, completionURL, url.Values{
		"error":   {string(kind)},
		"message": {failureMessages[kind]},
	})
}

func redirect(c *gin.Context, completionURL string, params url.Values) {
	u, err := url.Parse(completionURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid completion url"})
		return
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, u.String())
}

// enabledProvider resolves :provider, answering 404 when it is unknown or
// not configured.
func enabledProvider(c *gin.Context, registry provider.Registry) (provider.Provider, bool) {
	p, err := provider.Parse(c.Param("provider"))
	if err == nil {
		if _, ok := registry[p]; ok {
			return p, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "provider not enabled"})
	return "", false
}
