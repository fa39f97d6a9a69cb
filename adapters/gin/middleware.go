// Package gategin adapts the decision pipeline to gin enforcement points.
package gategin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/gatekit/core"
	credkit "github.com/open-rails/gatekit/credential"
	"github.com/open-rails/gatekit/pipeline"
)

// Gin context keys set by Enforce on permitted requests.
const (
	ctxDecision    = "gate.decision"
	ctxCredential  = "gate.credential"
	ctxSession     = "gate.session"
	ctxObligations = "gate.obligations"
	ctxToken       = "gate.downstream_token"
)

// Session correlation headers. Any subset may be present.
const (
	HeaderUserSession     = "X-User-Session"
	HeaderWorkflowSession = "X-Workflow-Session"
	HeaderAgentSession    = "X-Agent-Session"
	HeaderStreamSession   = "Mcp-Session-Id"
)

// RouteBinding maps an incoming request to the resource and action the
// caller is attempting. Applications provide one per protected route
// group; returning false rejects the request as unroutable.
type RouteBinding func(c *gin.Context) (core.Resource, core.Action, bool)

// StaticBinding binds every request in a group to one resource/action
// pair, which suits single-tool endpoints.
func StaticBinding(res core.Resource, act core.Action) RouteBinding {
	return func(*gin.Context) (core.Resource, core.Action, bool) {
		return res, act, true
	}
}

type enforcer struct {
	decider pipeline.Decider
	bind    RouteBinding
	log     *logrus.Logger
}

// Opt configures Enforce.
type Opt func(*enforcer)

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Opt {
	return func(e *enforcer) {
		if l != nil {
			e.log = l
		}
	}
}

// Enforce runs the full decision pipeline on every request and
// translates the outcome to an HTTP status:
//
//	permit                  -> handler runs, decision in context
//	permit with obligations -> handler runs, obligations in context
//	step-up                 -> 428 Precondition Required
//	credential failures     -> 401 with WWW-Authenticate
//	all other denials       -> 403
func Enforce(d pipeline.Decider, bind RouteBinding, opts ...Opt) gin.HandlerFunc {
	e := &enforcer{decider: d, bind: bind, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(e)
	}
	return func(c *gin.Context) {
		res, act, ok := e.bind(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unroutable_request"})
			return
		}

		token, scheme, ok := bearerToken(c)
		if !ok {
			c.Header("WWW-Authenticate", `Bearer error="invalid_request"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_credential"})
			return
		}

		req := pipeline.Request{
			Bundle: credkit.Bundle{
				AccessToken:          token,
				DPoPProof:            c.GetHeader("DPoP"),
				ClientCertThumbprint: clientCertThumbprint(c),
				Method:               c.Request.Method,
				URL:                  requestURL(c),
			},
			Session:  sessionFromHeaders(c),
			Resource: res,
			Action:   act,
		}
		resp := e.decider.Decide(c.Request.Context(), req)

		switch resp.Decision.Effect {
		case core.EffectAllow, core.EffectAllowWithObligations:
			c.Set(ctxDecision, resp.Decision)
			c.Set(ctxSession, resp.Session)
			if resp.Credential != nil {
				c.Set(ctxCredential, *resp.Credential)
			}
			if len(resp.Decision.Obligations) > 0 {
				c.Set(ctxObligations, resp.Decision.Obligations)
			}
			if resp.DownstreamToken != nil {
				c.Set(ctxToken, resp.DownstreamToken)
			}
			c.Next()
		case core.EffectStepUp:
			c.AbortWithStatusJSON(http.StatusPreconditionRequired, gin.H{
				"error":  "step_up_required",
				"reason": string(resp.Decision.Reason),
			})
		default:
			status := http.StatusForbidden
			switch resp.Decision.Reason {
			case core.CodeSignatureInvalid, core.CodeExpired, core.CodeClockSkew, core.CodeProofMismatch:
				status = http.StatusUnauthorized
				c.Header("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+string(resp.Decision.Reason)+`"`)
				if scheme == "dpop" {
					// Advertise both challenges; c.Header would replace
					// the Bearer one.
					c.Writer.Header().Add("WWW-Authenticate", `DPoP error="invalid_token", error_description="`+string(resp.Decision.Reason)+`"`)
				}
			}
			c.AbortWithStatusJSON(status, gin.H{"error": string(resp.Decision.Reason)})
		}
	}
}

// Decision returns the pipeline decision stored by Enforce.
func Decision(c *gin.Context) (core.Decision, bool) {
	v, ok := c.Get(ctxDecision)
	if !ok {
		return core.Decision{}, false
	}
	d, ok := v.(core.Decision)
	return d, ok
}

// Credential returns the validated credential stored by Enforce.
func Credential(c *gin.Context) (credkit.ValidatedCredential, bool) {
	v, ok := c.Get(ctxCredential)
	if !ok {
		return credkit.ValidatedCredential{}, false
	}
	cred, ok := v.(credkit.ValidatedCredential)
	return cred, ok
}

// Obligations returns the obligations attached to a permit, if any.
func Obligations(c *gin.Context) []core.Obligation {
	v, ok := c.Get(ctxObligations)
	if !ok {
		return nil
	}
	obs, _ := v.([]core.Obligation)
	return obs
}

func bearerToken(c *gin.Context) (token, scheme string, ok bool) {
	h := c.GetHeader("Authorization")
	if h == "" {
		return "", "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	switch strings.ToLower(parts[0]) {
	case "bearer":
		return parts[1], "bearer", true
	case "dpop":
		return parts[1], "dpop", true
	}
	return "", "", false
}

func sessionFromHeaders(c *gin.Context) core.SessionID {
	return core.SessionID{
		USID: c.GetHeader(HeaderUserSession),
		WSID: c.GetHeader(HeaderWorkflowSession),
		ASID: c.GetHeader(HeaderAgentSession),
		MSID: c.GetHeader(HeaderStreamSession),
	}
}

func requestURL(c *gin.Context) string {
	scheme := "https"
	if c.Request.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.Path
}

// clientCertThumbprint extracts the mTLS certificate binding value when
// the connection carried a client certificate. Deployments that
// terminate TLS upstream can forward it via X-Client-Cert-Thumbprint.
func clientCertThumbprint(c *gin.Context) string {
	if t := c.GetHeader("X-Client-Cert-Thumbprint"); t != "" {
		return t
	}
	if c.Request.TLS != nil && len(c.Request.TLS.PeerCertificates) > 0 {
		return credkit.CertThumbprint(c.Request.TLS.PeerCertificates[0])
	}
	return ""
}
