package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// mcpRegistryFile is the on-disk shape of the MCP registry.
type mcpRegistryFile struct {
	MCPs []models.MCPServer `yaml:"mcps"`
}

// userRegistryFile is the on-disk shape of the user registry.
type userRegistryFile struct {
	Roles       []models.Role `yaml:"roles"`
	Users       []models.User `yaml:"users"`
	DefaultUser models.User   `yaml:"default_user"`
}

// Registry holds the current configuration snapshot. Requests call
// Snapshot() once at entry and keep the returned pointer; reloads swap the
// current pointer and never retarget in-flight requests.
type Registry struct {
	mcpPath  string
	userPath string

	mu       sync.RWMutex
	snapshot *models.Snapshot

	// onReload hooks run after a successful swap (cache invalidation).
	hookMu   sync.Mutex
	onReload []func()
}

// NewRegistry loads both registry files and returns a ready Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{mcpPath: cfg.MCPPath, userPath: cfg.UserPath}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry wraps a pre-built snapshot. Used by tests and by
// embedders that manage configuration themselves.
func NewStaticRegistry(snap *models.Snapshot) *Registry {
	return &Registry{snapshot: snap}
}

// Snapshot returns the current immutable configuration view.
func (r *Registry) Snapshot() *models.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// OnReload registers a hook invoked after every successful reload.
func (r *Registry) OnReload(fn func()) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Reload re-reads both registry files and swaps the snapshot. A parse
// failure leaves the previous snapshot serving.
func (r *Registry) Reload() error {
	mcps, err := LoadMCPRegistry(r.mcpPath)
	if err != nil {
		return fmt.Errorf("load mcp registry: %w", err)
	}
	users, roles, defaultUser, err := LoadUserRegistry(r.userPath)
	if err != nil {
		return fmt.Errorf("load user registry: %w", err)
	}

	snap := models.NewSnapshot(mcps, users, roles, defaultUser)

	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()

	r.hookMu.Lock()
	hooks := r.onReload
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	log.Info().
		Int("mcps", len(mcps)).
		Int("users", len(users)).
		Int("roles", len(roles)).
		Msg("Configuration registries loaded")
	return nil
}

// LoadMCPRegistry parses the MCP descriptor file. MCP order in the file is
// preserved; it defines catalog ordering downstream.
func LoadMCPRegistry(path string) ([]models.MCPServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file mcpRegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range file.MCPs {
		m := &file.MCPs[i]
		if m.Name == "" {
			return nil, fmt.Errorf("%s: mcp entry %d has no name", path, i)
		}
		if m.Transport == "" {
			m.Transport = models.TransportHTTP
		}
		if m.Timeout == 0 {
			m.Timeout = 30 * time.Second
		}
		// Secrets are referenced as ${VAR} and resolved from the
		// environment at load time.
		m.AuthToken = os.ExpandEnv(m.AuthToken)
		for k, v := range m.Headers {
			m.Headers[k] = os.ExpandEnv(v)
		}
	}
	return file.MCPs, nil
}

// LoadUserRegistry parses the user/role file.
func LoadUserRegistry(path string) (map[string]models.User, map[string]models.Role, models.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, models.User{}, err
	}
	var file userRegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, models.User{}, fmt.Errorf("parse %s: %w", path, err)
	}

	users := make(map[string]models.User, len(file.Users))
	for _, u := range file.Users {
		if u.Email == "" {
			continue
		}
		users[u.Email] = u
	}
	roles := make(map[string]models.Role, len(file.Roles))
	for _, role := range file.Roles {
		roles[role.Name] = role
	}

	defaultUser := file.DefaultUser
	if defaultUser.Role == "" {
		defaultUser.Role = "read_only"
	}
	return users, roles, defaultUser, nil
}

// Watch reloads the registries whenever either file changes on disk.
// It returns once the watcher is installed; the watch loop runs until the
// stop function is called.
func (r *Registry) Watch() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the parent directories: editors and config-map updates replace
	// files rather than writing in place.
	dirs := map[string]struct{}{
		filepath.Dir(r.mcpPath):  {},
		filepath.Dir(r.userPath): {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	done := make(chan struct{})
	go func() {
		// Debounce bursts of events from a single save.
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !r.watchedFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					if err := r.Reload(); err != nil {
						log.Error().Err(err).Msg("Registry reload failed, previous snapshot kept")
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Registry watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func (r *Registry) watchedFile(name string) bool {
	return filepath.Clean(name) == filepath.Clean(r.mcpPath) ||
		filepath.Clean(name) == filepath.Clean(r.userPath)
}
