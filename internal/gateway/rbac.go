package gateway

import (
	"context"
	"strings"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Rule is one RBAC entry: role grants access to any (actorType, method)
// matching its patterns, where "*" is a wildcard and "prefix*" and
// "*suffix" are supported.
type Rule struct {
	Role           string
	ActorTypePattern string
	MethodPattern    string
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(value, pattern[1:len(pattern)-1])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	}
	return pattern == value
}

// AuthorizationStage evaluates the configured rule set against the
// principal's roles and the envelope's actorID/target.
type AuthorizationStage struct {
	rules []Rule
}

// NewAuthorizationStage builds an Authorization stage over rules.
func NewAuthorizationStage(rules []Rule) *AuthorizationStage {
	return &AuthorizationStage{rules: rules}
}

func (s *AuthorizationStage) Name() string { return "Authorization" }

func (s *AuthorizationStage) Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error {
	if rc.Principal == nil {
		return rejectAs(trebuerr.AuthorizationError, "no authenticated principal")
	}

	for _, rule := range s.rules {
		if !hasRole(rc.Principal.Roles, rule.Role) {
			continue
		}
		if matchPattern(rule.ActorTypePattern, env.ActorID.ID) && matchPattern(rule.MethodPattern, env.Target) {
			return nil
		}
	}
	return rejectAs(trebuerr.AuthorizationError, "no matching rule permits this request")
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
