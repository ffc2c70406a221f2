package handoff

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sapiensly/agentrelay/types"
)

type registration struct {
	agent        Agent
	capabilities []string
	permissions  *PermissionSet
}

// Registry maps agent ids to agents, their capability tags and their
// optional dynamic permissions. Registration is idempotent by id.
type Registry struct {
	entries map[string]*registration
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*registration),
		logger:  logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds or replaces an agent. Re-registering replaces the agent and
// its capabilities but keeps any dynamic permissions already attached.
func (r *Registry) Register(id string, agent Agent, capabilities ...string) error {
	if id == "" || agent == nil {
		return types.NewError(types.ErrInvalidRequest, "agent id and agent are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		entry = &registration{}
		r.entries[id] = entry
	}
	entry.agent = agent
	entry.capabilities = normalizeTags(capabilities)

	r.logger.Info("registered agent",
		zap.String("id", id),
		zap.Strings("capabilities", entry.capabilities),
	)
	return nil
}

// RegisterWithPermissions registers an agent together with the permission
// set that governs who may hand off to it.
func (r *Registry) RegisterWithPermissions(id string, agent Agent, perms PermissionSet, capabilities ...string) error {
	if err := r.Register(id, agent, capabilities...); err != nil {
		return err
	}
	return r.SetPermissions(id, &perms)
}

// SetPermissions attaches (or with nil, removes) dynamic permissions.
func (r *Registry) SetPermissions(id string, perms *PermissionSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return agentNotFound(id)
	}
	if perms == nil {
		entry.permissions = nil
		return nil
	}
	clone := perms.Clone()
	entry.permissions = &clone
	return nil
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, agentNotFound(id)
	}
	return entry.agent, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// FindByCapability returns the ids declaring tag, sorted.
func (r *Registry) FindByCapability(tag string) []string {
	tag = strings.ToLower(strings.TrimSpace(tag))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, entry := range r.entries {
		if containsString(entry.capabilities, tag) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ListAll returns a snapshot of all registered agents.
func (r *Registry) ListAll() map[string]Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Agent, len(r.entries))
	for id, entry := range r.entries {
		out[id] = entry.agent
	}
	return out
}

// IDs returns all registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capabilities returns the capability tags of id.
func (r *Registry) Capabilities(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.capabilities...)
}

// AllCapabilities returns every capability tag any agent declares, sorted.
func (r *Registry) AllCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []string
	for _, entry := range r.entries {
		all = append(all, entry.capabilities...)
	}
	return normalizeTags(all)
}

// Fingerprint digests the id -> capabilities mapping. It changes whenever
// an agent is added, removed or re-registered with different capabilities.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{'='})
		h.Write([]byte(strings.Join(r.entries[id].capabilities, ",")))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Permissions returns the dynamic permissions attached to id, if any.
func (r *Registry) Permissions(id string) (*PermissionSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok || entry.permissions == nil {
		return nil, false
	}
	clone := entry.permissions.Clone()
	return &clone, true
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.logger.Info("unregistered agent", zap.String("id", id))
	return true
}

func agentNotFound(id string) *types.Error {
	return types.Errorf(types.ErrAgentNotFound, "agent %q is not registered", id).WithAgent(id)
}

// normalizeTags lowercases, dedupes and sorts tags, dropping empties.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
