package handoff

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/types"
)

const capabilityPrefix = "capability:"

// PermissionSet governs which sources may hand off to an agent.
//
// Entries are "*", an exact agent id, "capability:<tag>" (the source must
// declare the tag) or a glob matched against the source id. Deny is
// evaluated first and always wins; an empty Allow list denies everyone.
type PermissionSet struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny,omitempty"`
}

// Clone returns a deep copy.
func (p PermissionSet) Clone() PermissionSet {
	return PermissionSet{
		Allow: append([]string{}, p.Allow...),
		Deny:  append([]string(nil), p.Deny...),
	}
}

func permissionSetFromConfig(c config.PermissionConfig) PermissionSet {
	return PermissionSet{Allow: c.Allow, Deny: c.Deny}.Clone()
}

// PermissionTier names where a resolved permission set came from.
type PermissionTier string

const (
	TierDynamic PermissionTier = "dynamic"
	TierStatic  PermissionTier = "static"
	TierDefault PermissionTier = "default"
)

// SecurityPolicy decides whether a source agent may hand off to a target.
//
// Permissions for a target resolve from the first tier that has them:
// dynamic (attached in the registry), static (handoff.permissions in
// config), then the global default (handoff.default_permissions).
type SecurityPolicy struct {
	registry *Registry

	// 保护 static、defaults、configCaps，Reload 时整体替换
	mu         sync.RWMutex
	static     map[string]PermissionSet
	defaults   PermissionSet
	configCaps map[string][]string
	logger     *zap.Logger

	globMu sync.Mutex
	globs  map[string]glob.Glob
}

// NewSecurityPolicy creates a policy over registry and the handoff config.
func NewSecurityPolicy(registry *Registry, cfg config.HandoffConfig, logger *zap.Logger) *SecurityPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &SecurityPolicy{
		registry: registry,
		logger:   logger.With(zap.String("component", "security_policy")),
		globs:    make(map[string]glob.Glob),
	}
	p.static, p.defaults, p.configCaps = tiersFromConfig(cfg)
	return p
}

func tiersFromConfig(cfg config.HandoffConfig) (map[string]PermissionSet, PermissionSet, map[string][]string) {
	static := make(map[string]PermissionSet, len(cfg.Permissions))
	for id, pc := range cfg.Permissions {
		static[id] = permissionSetFromConfig(pc)
	}
	caps := make(map[string][]string, len(cfg.Capabilities))
	for id, tags := range cfg.Capabilities {
		caps[id] = append([]string(nil), tags...)
	}
	return static, permissionSetFromConfig(cfg.DefaultPermissions), caps
}

// Reload replaces the static and default tiers and the configured
// capabilities. Dynamic permissions held by the registry are untouched.
func (p *SecurityPolicy) Reload(cfg config.HandoffConfig) {
	static, defaults, caps := tiersFromConfig(cfg)

	p.mu.Lock()
	p.static, p.defaults, p.configCaps = static, defaults, caps
	p.mu.Unlock()

	p.logger.Info("permissions reloaded",
		zap.Int("static_targets", len(static)),
		zap.Int("default_allow", len(defaults.Allow)),
	)
}

// PermissionsFor returns the permission set that governs target and the
// tier it was resolved from.
func (p *SecurityPolicy) PermissionsFor(target string) (PermissionSet, PermissionTier) {
	if p.registry != nil {
		if perms, ok := p.registry.Permissions(target); ok {
			return *perms, TierDynamic
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if perms, ok := p.static[target]; ok {
		return perms.Clone(), TierStatic
	}
	return p.defaults.Clone(), TierDefault
}

// SourceCapabilities unions registry, config and extra capabilities of source.
func (p *SecurityPolicy) SourceCapabilities(source string, extra ...string) []string {
	var all []string
	if p.registry != nil {
		all = append(all, p.registry.Capabilities(source)...)
	}
	p.mu.RLock()
	all = append(all, p.configCaps[source]...)
	p.mu.RUnlock()
	all = append(all, extra...)
	return normalizeTags(all)
}

// Authorize returns nil when source may hand off to target, otherwise a
// PERMISSION_DENIED *types.Error. extraCaps are capabilities the caller
// vouches the source holds in addition to its declared ones.
func (p *SecurityPolicy) Authorize(source, target string, extraCaps ...string) error {
	perms, tier := p.PermissionsFor(target)
	caps := p.SourceCapabilities(source, extraCaps...)

	allowed, rule := p.Evaluate(perms, source, caps)
	if allowed {
		p.logger.Debug("handoff authorized",
			zap.String("source", source),
			zap.String("target", target),
			zap.String("tier", string(tier)),
			zap.String("rule", rule),
		)
		return nil
	}

	p.logger.Info("handoff denied",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("tier", string(tier)),
		zap.String("rule", rule),
	)
	return types.Errorf(types.ErrPermissionDenied,
		"agent %q may not hand off to %q (%s permissions: %s)", source, target, tier, rule).
		WithAgent(target)
}

// Evaluate applies perms to a source with the given capabilities and
// returns the decision with the rule that produced it.
func (p *SecurityPolicy) Evaluate(perms PermissionSet, source string, caps []string) (bool, string) {
	for _, entry := range perms.Deny {
		if p.matches(entry, source, caps) {
			return false, "deny " + entry
		}
	}
	if len(perms.Allow) == 0 {
		return false, "empty allow list"
	}
	for _, entry := range perms.Allow {
		if p.matches(entry, source, caps) {
			return true, "allow " + entry
		}
	}
	return false, "no allow entry matched"
}

func (p *SecurityPolicy) matches(entry, source string, caps []string) bool {
	switch {
	case entry == "*":
		return true
	case strings.HasPrefix(entry, capabilityPrefix):
		return containsString(caps, strings.ToLower(strings.TrimPrefix(entry, capabilityPrefix)))
	case entry == source:
		return true
	case isGlob(entry):
		if g := p.compile(entry); g != nil {
			return g.Match(source)
		}
	}
	return false
}

// compile memoizes compiled globs; an invalid pattern compiles to nil and
// never matches.
func (p *SecurityPolicy) compile(pattern string) glob.Glob {
	p.globMu.Lock()
	defer p.globMu.Unlock()

	if g, ok := p.globs[pattern]; ok {
		return g
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		p.logger.Warn("invalid permission pattern", zap.String("pattern", pattern), zap.Error(err))
		g = nil
	}
	p.globs[pattern] = g
	return g
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
