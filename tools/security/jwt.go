package security

import (
	"fmt"
	"strings"
	"time"

	"SignGate/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options controls token signing and verification.
type Options struct {
	Secret []byte        // HMAC secret (env/KMS in production)
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // lifetime of generated tokens, default 2h
	Leeway time.Duration // clock skew tolerated on exp/nbf/iat
}

// Claims is the identity carried by a verified token.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// Subject returns the "sub" claim.
func (c *Claims) Subject() string {
	if c == nil {
		return ""
	}
	return c.RegisteredClaims.Subject
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Verifier validates bearer tokens against one signing secret. It is stateless
// and safe for concurrent use.
type Verifier struct {
	opts   Options
	parser *jwtlib.Parser
}

func NewVerifier(opts Options) (*Verifier, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		opts: opts,
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{method.Alg()}),
			jwtlib.WithLeeway(opts.Leeway),
			jwtlib.WithIssuedAt(),
		),
	}, nil
}

// Verify strips an optional "Bearer " prefix and checks signature and time
// claims. Every failure satisfies errors.Is(err, errs.ErrInvalidToken).
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = StripBearer(token)
	if token == "" {
		return nil, errs.ErrInvalidToken.WrapMsg("empty token")
	}
	if len(v.opts.Secret) == 0 {
		return nil, errs.ErrInvalidToken.WrapMsg("no signing secret configured")
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	})
	if err != nil {
		return nil, errs.ErrInvalidToken.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrInvalidToken.WrapMsg("token not valid")
	}
	return claims, nil
}

// Generate signs a token for subject. Issuance belongs to the auth service;
// the gateway only uses this in tests and local tooling.
func Generate(opts Options, subject, role string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// StripBearer removes a case-insensitive "Bearer " prefix and surrounding spaces.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
