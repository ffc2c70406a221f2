package handoff

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sapiensly/agentrelay/config"
	"github.com/sapiensly/agentrelay/types"
)

func newTestPolicy(t *testing.T, cfg config.HandoffConfig) (*SecurityPolicy, *Registry) {
	t.Helper()
	r := NewRegistry(nil)
	return NewSecurityPolicy(r, cfg, nil), r
}

func TestSecurityPolicy_EvaluationRules(t *testing.T) {
	p, _ := newTestPolicy(t, config.DefaultHandoffConfig())

	tests := []struct {
		name   string
		perms  PermissionSet
		source string
		caps   []string
		want   bool
	}{
		{"wildcard", PermissionSet{Allow: []string{"*"}}, "anyone", nil, true},
		{"exact id", PermissionSet{Allow: []string{"general_agent"}}, "general_agent", nil, true},
		{"other id", PermissionSet{Allow: []string{"general_agent"}}, "math_agent", nil, false},
		{"capability", PermissionSet{Allow: []string{"capability:triage"}}, "router", []string{"triage"}, true},
		{"capability case", PermissionSet{Allow: []string{"capability:Triage"}}, "router", []string{"triage"}, true},
		{"missing capability", PermissionSet{Allow: []string{"capability:triage"}}, "router", []string{"math"}, false},
		{"glob", PermissionSet{Allow: []string{"team_*"}}, "team_alpha", nil, true},
		{"glob miss", PermissionSet{Allow: []string{"team_*"}}, "solo_agent", nil, false},
		{"glob class", PermissionSet{Allow: []string{"agent_[ab]"}}, "agent_b", nil, true},
		{"invalid glob never matches", PermissionSet{Allow: []string{"agent_[ab"}}, "agent_a", nil, false},
		{"empty allow list", PermissionSet{Allow: []string{}}, "anyone", nil, false},
		{"nil allow list", PermissionSet{}, "anyone", nil, false},
		{"deny beats wildcard", PermissionSet{Allow: []string{"*"}, Deny: []string{"bad_*"}}, "bad_actor", nil, false},
		{"deny miss keeps allow", PermissionSet{Allow: []string{"*"}, Deny: []string{"bad_*"}}, "good_actor", nil, true},
		{"deny by capability", PermissionSet{Allow: []string{"*"}, Deny: []string{"capability:untrusted"}}, "x", []string{"untrusted"}, false},
		{"deny only", PermissionSet{Deny: []string{"x"}}, "y", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := p.Evaluate(tt.perms, tt.source, tt.caps)
			assert.Equal(t, tt.want, got, "rule: %s", rule)
		})
	}
}

func TestSecurityPolicy_TierResolution(t *testing.T) {
	cfg := config.DefaultHandoffConfig()
	cfg.DefaultPermissions = config.PermissionConfig{Allow: []string{"default_src"}}
	cfg.Permissions = map[string]config.PermissionConfig{
		"static_target":  {Allow: []string{"static_src"}},
		"dynamic_target": {Allow: []string{"static_src"}},
	}
	p, r := newTestPolicy(t, cfg)
	require.NoError(t, r.RegisterWithPermissions("dynamic_target", StaticAgent("dynamic_target"),
		PermissionSet{Allow: []string{"dynamic_src"}}))

	perms, tier := p.PermissionsFor("dynamic_target")
	assert.Equal(t, TierDynamic, tier)
	assert.Equal(t, []string{"dynamic_src"}, perms.Allow)

	perms, tier = p.PermissionsFor("static_target")
	assert.Equal(t, TierStatic, tier)
	assert.Equal(t, []string{"static_src"}, perms.Allow)

	perms, tier = p.PermissionsFor("anything_else")
	assert.Equal(t, TierDefault, tier)
	assert.Equal(t, []string{"default_src"}, perms.Allow)

	assert.NoError(t, p.Authorize("dynamic_src", "dynamic_target"))
	assert.Error(t, p.Authorize("static_src", "dynamic_target"), "dynamic tier is used exclusively")
}

func TestSecurityPolicy_DefaultConfigDenies(t *testing.T) {
	p, _ := newTestPolicy(t, config.DefaultHandoffConfig())

	err := p.Authorize("general_agent", "math_agent")
	require.Error(t, err)
	assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(err))

	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "math_agent", e.AgentID)
}

func TestSecurityPolicy_SourceCapabilitiesAggregate(t *testing.T) {
	cfg := config.DefaultHandoffConfig()
	cfg.Capabilities = map[string][]string{"router": {"triage", "routing"}}
	cfg.Permissions = map[string]config.PermissionConfig{
		"math_agent": {Allow: []string{"capability:routing"}},
		"vip_agent":  {Allow: []string{"capability:vip"}},
	}
	p, r := newTestPolicy(t, cfg)
	require.NoError(t, r.Register("router", StaticAgent("router"), "triage", "general"))

	assert.Equal(t, []string{"general", "routing", "triage"}, p.SourceCapabilities("router"))
	assert.Equal(t, []string{"general", "routing", "triage", "vip"}, p.SourceCapabilities("router", "vip", "triage"))

	assert.NoError(t, p.Authorize("router", "math_agent"), "config-declared capability")
	assert.Error(t, p.Authorize("router", "vip_agent"))
	assert.NoError(t, p.Authorize("router", "vip_agent", "vip"), "caller-supplied capability")
}

// Property: whatever the static and default tiers say, the dynamic tier decides.
func TestProperty_DynamicPermissionWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("dynamic tier overrides static and default", prop.ForAll(
		func(suffix string, dynamicAllows, staticAllows, defaultAllows bool) bool {
			source := "src_" + suffix
			target := "target_agent"

			tierList := func(allow bool) []string {
				if allow {
					return []string{source}
				}
				return []string{"~nobody"}
			}

			cfg := config.DefaultHandoffConfig()
			cfg.DefaultPermissions = config.PermissionConfig{Allow: tierList(defaultAllows)}
			cfg.Permissions = map[string]config.PermissionConfig{
				target: {Allow: tierList(staticAllows)},
			}

			r := NewRegistry(nil)
			if err := r.RegisterWithPermissions(target, StaticAgent(target),
				PermissionSet{Allow: tierList(dynamicAllows)}); err != nil {
				return false
			}
			p := NewSecurityPolicy(r, cfg, nil)

			err := p.Authorize(source, target)
			return (err == nil) == dynamicAllows
		},
		gen.Identifier(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestProperty_StaticPermissionBeatsDefault(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		source := rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(t, "source")
		staticAllows := rapid.Bool().Draw(t, "static")

		cfg := config.DefaultHandoffConfig()
		cfg.DefaultPermissions = config.PermissionConfig{Allow: []string{"*"}}
		static := config.PermissionConfig{Allow: []string{}}
		if staticAllows {
			static.Allow = []string{source}
		}
		cfg.Permissions = map[string]config.PermissionConfig{"target": static}

		p := NewSecurityPolicy(NewRegistry(nil), cfg, nil)
		err := p.Authorize(source, "target")
		if (err == nil) != staticAllows {
			t.Fatalf("static tier said %v, authorize returned %v", staticAllows, err)
		}
	})
}

// Property: a source that is blacklisted is denied even under a wildcard allow.
func TestProperty_BlacklistPrecedesWhitelist(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		source := rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(t, "source")
		usePattern := rapid.Bool().Draw(t, "pattern")

		deny := source
		if usePattern {
			deny = source[:1] + "*"
		}

		p := NewSecurityPolicy(NewRegistry(nil), config.DefaultHandoffConfig(), nil)
		allowed, _ := p.Evaluate(PermissionSet{Allow: []string{"*", source}, Deny: []string{deny}}, source, nil)
		if allowed {
			t.Fatalf("source %q allowed despite deny %q", source, deny)
		}
	})
}

func TestSecurityPolicy_Reload(t *testing.T) {
	cfg := config.DefaultHandoffConfig()
	cfg.Permissions = map[string]config.PermissionConfig{
		"math_agent": {Allow: []string{"general_agent"}},
	}
	p, r := newTestPolicy(t, cfg)
	require.NoError(t, r.RegisterWithPermissions("billing_agent", StaticAgent("billing_agent"),
		PermissionSet{Allow: []string{"general_agent"}}))

	require.NoError(t, p.Authorize("general_agent", "math_agent"))
	require.Error(t, p.Authorize("history_agent", "math_agent"))

	next := config.DefaultHandoffConfig()
	next.Permissions = map[string]config.PermissionConfig{
		"math_agent": {Allow: []string{"capability:history"}},
	}
	next.Capabilities = map[string][]string{"history_agent": {"history"}}
	next.DefaultPermissions = config.PermissionConfig{Allow: []string{"*"}}
	p.Reload(next)

	assert.True(t, types.IsCode(p.Authorize("general_agent", "math_agent"), types.ErrPermissionDenied))
	assert.NoError(t, p.Authorize("history_agent", "math_agent"))
	assert.NoError(t, p.Authorize("anyone", "unconfigured_agent"), "new default tier applies")

	perms, tier := p.PermissionsFor("billing_agent")
	assert.Equal(t, TierDynamic, tier, "dynamic tier survives reload")
	assert.Equal(t, []string{"general_agent"}, perms.Allow)
}
