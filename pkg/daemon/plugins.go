package daemon

import (
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// PluginRegistry tracks the names of running plugins. The list is
// persisted as a plain text file, one name per line, written at
// shutdown and read back at startup.
type PluginRegistry struct {
	logger *log.Entry
	path   string
	mu     sync.Mutex
	names  map[string]struct{}
}

func NewPluginRegistry(path string, logger *log.Entry) *PluginRegistry {
	if logger == nil {
		logger = log.WithField("service", "[PLUGINS]")
	}
	return &PluginRegistry{
		logger: logger,
		path:   path,
		names:  map[string]struct{}{},
	}
}

// Start marks a plugin as running
func (r *PluginRegistry) Start(name string) {
	r.mu.Lock()
	r.names[name] = struct{}{}
	r.mu.Unlock()
	r.logger.Infof("plugin %v started", name)
}

// Stop removes a plugin, reports whether it was running
func (r *PluginRegistry) Stop(name string) bool {
	r.mu.Lock()
	_, ok := r.names[name]
	delete(r.names, name)
	r.mu.Unlock()
	if ok {
		r.logger.Infof("plugin %v stopped", name)
	}
	return ok
}

// Running returns the sorted names of running plugins
func (r *PluginRegistry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load restores the plugin list written by a previous run. A missing
// file is not an error.
func (r *PluginRegistry) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(string(data), "\n") {
		name := strings.TrimSpace(line)
		if name != "" {
			r.names[name] = struct{}{}
		}
	}
	return nil
}

// Save persists the running plugin names
func (r *PluginRegistry) Save() error {
	names := r.Running()
	content := strings.Join(names, "\n")
	if content != "" {
		content += "\n"
	}
	return os.WriteFile(r.path, []byte(content), 0644)
}
