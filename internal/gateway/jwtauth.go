package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// KeySet resolves the verification key for a given algorithm; exactly one
// of the three fields applicable to the token's alg is consulted.
type KeySet struct {
	HMACSecret   []byte
	ECDSAPublic  *ecdsa.PublicKey
	RSAPublic    *rsa.PublicKey
}

// JWTConfig collects the claim-validation knobs for JWT auth.
type JWTConfig struct {
	Issuer                 string
	Audience               string        // empty disables audience validation
	ClockSkew              time.Duration // default 0
	MaxAge                 time.Duration // 0 disables iat+maxAge validation
	EnableReplayProtection bool
	ReplayCacheSize        int           // default 10000
	ReplayTTL              time.Duration // default 5m
}

// JWTAuthStage validates a bearer token from envelope metadata and
// populates rc.Principal on success.
type JWTAuthStage struct {
	keys jwtKeyFunc
	cfg  JWTConfig

	// replay remembers seen jti values for ReplayTTL; a jti becomes
	// admissible again once its entry expires.
	replay *expirable.LRU[string, struct{}]
}

type jwtKeyFunc func(t *jwt.Token) (any, error)

// NewJWTAuthStage builds an Authentication stage backed by keys, validating
// claims per cfg.
func NewJWTAuthStage(keys KeySet, cfg JWTConfig) *JWTAuthStage {
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = 10000
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 5 * time.Minute
	}

	var replay *expirable.LRU[string, struct{}]
	if cfg.EnableReplayProtection {
		replay = expirable.NewLRU[string, struct{}](cfg.ReplayCacheSize, nil, cfg.ReplayTTL)
	}

	keyFn := func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if keys.HMACSecret == nil {
				return nil, trebuerr.New(trebuerr.AuthenticationError, "no HMAC key configured")
			}
			return keys.HMACSecret, nil
		case *jwt.SigningMethodECDSA:
			if keys.ECDSAPublic == nil {
				return nil, trebuerr.New(trebuerr.AuthenticationError, "no ECDSA key configured")
			}
			return keys.ECDSAPublic, nil
		case *jwt.SigningMethodRSA:
			if keys.RSAPublic == nil {
				return nil, trebuerr.New(trebuerr.AuthenticationError, "no RSA key configured")
			}
			return keys.RSAPublic, nil
		default:
			return nil, trebuerr.New(trebuerr.AuthenticationError, "unsupported signing algorithm")
		}
	}

	return &JWTAuthStage{keys: keyFn, cfg: cfg, replay: replay}
}

func (s *JWTAuthStage) Name() string { return "Authentication" }

func (s *JWTAuthStage) Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error {
	raw, ok := rc.Metadata["authorization"]
	if !ok || raw == "" {
		return rejectAs(trebuerr.AuthenticationError, "missing bearer token")
	}
	raw = strings.TrimPrefix(raw, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, jwt.Keyfunc(s.keys))
	if err != nil || !token.Valid {
		return rejectAs(trebuerr.AuthenticationError, "invalid token")
	}

	if s.cfg.Issuer != "" && !claims.VerifyIssuer(s.cfg.Issuer, true) {
		return rejectAs(trebuerr.AuthenticationError, "issuer mismatch")
	}
	if s.cfg.Audience != "" && !claims.VerifyAudience(s.cfg.Audience, true) {
		return rejectAs(trebuerr.AuthenticationError, "audience mismatch")
	}

	now := time.Now()
	if exp, ok := claims["exp"].(float64); ok {
		if now.After(time.Unix(int64(exp), 0).Add(s.cfg.ClockSkew)) {
			return rejectAs(trebuerr.AuthenticationError, "token expired")
		}
	}
	if nbf, ok := claims["nbf"].(float64); ok {
		if now.Before(time.Unix(int64(nbf), 0).Add(-s.cfg.ClockSkew)) {
			return rejectAs(trebuerr.AuthenticationError, "token not yet valid")
		}
	}
	if s.cfg.MaxAge > 0 {
		if iat, ok := claims["iat"].(float64); ok {
			if now.Sub(time.Unix(int64(iat), 0)) > s.cfg.MaxAge {
				return rejectAs(trebuerr.AuthenticationError, "token exceeds max age")
			}
		}
	}

	if s.cfg.EnableReplayProtection {
		jti, _ := claims["jti"].(string)
		if jti == "" {
			return rejectAs(trebuerr.AuthenticationError, "missing jti for replay protection")
		}
		if _, seen := s.replay.Get(jti); seen {
			return rejectAs(trebuerr.AuthenticationError, "token replay detected")
		}
		s.replay.Add(jti, struct{}{})
	}

	sub, _ := claims["sub"].(string)
	roles := rolesFromClaims(claims)
	rc.Principal = &Principal{Subject: sub, Roles: roles}
	return nil
}

func rolesFromClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"].([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}
