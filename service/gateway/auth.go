package gateway

import (
	"net/http"
	"strings"

	mwsecurity "SignGate/middleware/security"
	"SignGate/tools/security"

	"go.uber.org/zap"
)

// Handshake is what a client presents when it opens a socket.
type Handshake struct {
	Token      string
	DeviceID   string
	DeviceType string
	RemoteAddr string
	UserAgent  string
}

// HandshakeFromRequest reads the credential and device identity of an
// upgrade request.
func HandshakeFromRequest(r *http.Request) Handshake {
	q := r.URL.Query()
	return Handshake{
		Token:      mwsecurity.ExtractToken(r),
		DeviceID:   strings.TrimSpace(q.Get("deviceId")),
		DeviceType: strings.TrimSpace(q.Get("deviceType")),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}

// TokenVerifier is satisfied by *security.Verifier.
type TokenVerifier interface {
	Verify(token string) (*security.Claims, error)
}

// authResult is the outcome of the authenticate stage.
type authResult struct {
	Authenticated bool
	Identity      *security.Claims
	DeviceID      string
	DeviceType    DeviceType
}

// authenticate never rejects: a missing or bad credential yields an
// anonymous connection. Device identity is taken from the handshake either way.
func (g *Gateway) authenticate(hs Handshake) authResult {
	res := authResult{DeviceID: hs.DeviceID}
	if hs.DeviceID != "" {
		if hs.DeviceType == "" {
			res.DeviceType = DeviceDisplay
		} else {
			res.DeviceType = ParseDeviceType(hs.DeviceType)
		}
	}

	if hs.Token == "" || g.verifier == nil {
		return res
	}
	claims, err := g.verifier.Verify(hs.Token)
	if err != nil {
		g.metrics.AuthFailures.Inc()
		g.log.Warn("handshake token rejected, continuing anonymously",
			zap.String("remote", hs.RemoteAddr),
			zap.String("device_id", hs.DeviceID),
			zap.Error(err))
		return res
	}
	res.Authenticated = true
	res.Identity = claims
	return res
}
