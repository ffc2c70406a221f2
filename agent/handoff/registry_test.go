package handoff

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/types"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register("math_agent", StaticAgent("math_agent"), "Mathematics", "arithmetic", "mathematics", ""))

	agent, err := r.Get("math_agent")
	require.NoError(t, err)
	assert.Equal(t, "math_agent", agent.ID())
	assert.Equal(t, []string{"arithmetic", "mathematics"}, r.Capabilities("math_agent"))
	assert.True(t, r.Has("math_agent"))
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("", StaticAgent("x"))
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	err = r.Register("x", nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestRegistry_ReRegisterReplacesCapabilitiesKeepsPermissions(t *testing.T) {
	r := NewRegistry(nil)
	perms := PermissionSet{Allow: []string{"general_agent"}}

	require.NoError(t, r.RegisterWithPermissions("math_agent", StaticAgent("math_agent"), perms, "mathematics"))
	require.NoError(t, r.Register("math_agent", StaticAgent("math_agent"), "statistics"))

	assert.Equal(t, []string{"statistics"}, r.Capabilities("math_agent"))
	assert.Empty(t, r.FindByCapability("mathematics"))

	got, ok := r.Permissions("math_agent")
	require.True(t, ok)
	assert.Equal(t, []string{"general_agent"}, got.Allow)
}

func TestRegistry_SetPermissions(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("a", StaticAgent("a")))

	err := r.SetPermissions("missing", &PermissionSet{Allow: []string{"*"}})
	assert.True(t, types.IsCode(err, types.ErrAgentNotFound))

	perms := &PermissionSet{Allow: []string{"b"}}
	require.NoError(t, r.SetPermissions("a", perms))
	perms.Allow[0] = "mutated"

	got, ok := r.Permissions("a")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, got.Allow, "registry must keep its own copy")

	require.NoError(t, r.SetPermissions("a", nil))
	_, ok = r.Permissions("a")
	assert.False(t, ok)
}

func TestRegistry_FindByCapabilitySorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("zeta", StaticAgent("zeta"), "math"))
	require.NoError(t, r.Register("alpha", StaticAgent("alpha"), "math"))
	require.NoError(t, r.Register("beta", StaticAgent("beta"), "history"))

	assert.Equal(t, []string{"alpha", "zeta"}, r.FindByCapability("MATH"))
	assert.Equal(t, []string{"beta"}, r.FindByCapability("history"))
	assert.Empty(t, r.FindByCapability("cooking"))
	assert.Equal(t, []string{"history", "math"}, r.AllCapabilities())
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, r.IDs())
	assert.Len(t, r.ListAll(), 3)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("a", StaticAgent("a"), "x"))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.False(t, r.Has("a"))
	assert.Empty(t, r.FindByCapability("x"))
}

func TestRegistry_FingerprintTracksCapabilities(t *testing.T) {
	r := NewRegistry(nil)
	empty := r.Fingerprint()

	require.NoError(t, r.Register("a", StaticAgent("a"), "x"))
	withA := r.Fingerprint()
	assert.NotEqual(t, empty, withA)

	require.NoError(t, r.Register("a", StaticAgent("a"), "x"))
	assert.Equal(t, withA, r.Fingerprint(), "same registration, same fingerprint")

	require.NoError(t, r.Register("a", StaticAgent("a"), "y"))
	assert.NotEqual(t, withA, r.Fingerprint())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent_%d", i)
			_ = r.Register(id, StaticAgent(id), "shared")
		}(i)
		go func() {
			defer wg.Done()
			_ = r.FindByCapability("shared")
			_ = r.Fingerprint()
		}()
	}
	wg.Wait()

	assert.Len(t, r.FindByCapability("shared"), 20)
}
