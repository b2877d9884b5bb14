package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// HandlerFactory builds a Handler for one service descriptor. Descriptors
// reference a factory by name; factories are registered at process
// startup the way the teacher's internal/chunkers and internal/integrations
// packages register plugins by name before any config file is loaded.
type HandlerFactory func() (Handler, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]HandlerFactory)
)

// RegisterHandlerFactory makes a named handler factory available to
// descriptors loaded by RegisterServicesInPath.
func RegisterHandlerFactory(name string, factory HandlerFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

func lookupFactory(name string) (HandlerFactory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// serviceDescriptor is one YAML file (.yaml or .yml) under a services directory,
// declaring a service's skynet identity and which registered handler
// factory implements it.
type serviceDescriptor struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Region  string `yaml:"region"`
	Handler string `yaml:"handler"`
}

// RegisterServicesInPath loads every descriptor file under dir and
// registers the service it declares, then watches dir for changes so
// added, edited, or removed descriptors are reflected without a restart.
// A malformed descriptor or an unresolvable handler reference is fatal on
// the initial load, per spec.md §4.G's "load failures are fatal."
func (s *Server) RegisterServicesInPath(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("server: failed to read services path %s; %w", dir, err)
	}

	loaded := make(map[string]serviceDescriptor) // descriptor file -> last-loaded descriptor
	for _, entry := range entries {
		if entry.IsDir() || !isDescriptorFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		desc, err := s.loadDescriptor(ctx, path)
		if err != nil {
			return err
		}
		loaded[path] = desc
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: failed to start services path watcher; %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("server: failed to watch services path %s; %w", dir, err)
	}

	go s.watchServicesPath(ctx, watcher, loaded)
	return nil
}

func isDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (s *Server) loadDescriptor(ctx context.Context, path string) (serviceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return serviceDescriptor{}, fmt.Errorf("server: failed to read service descriptor %s; %w", path, err)
	}

	var desc serviceDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return serviceDescriptor{}, fmt.Errorf("server: failed to parse service descriptor %s; %w", path, err)
	}

	factory, ok := lookupFactory(desc.Handler)
	if !ok {
		return serviceDescriptor{}, fmt.Errorf("server: service descriptor %s references unknown handler %q", path, desc.Handler)
	}
	handler, err := factory()
	if err != nil {
		return serviceDescriptor{}, fmt.Errorf("server: failed to build handler %q for %s; %w", desc.Handler, path, err)
	}

	if err := s.RegisterService(ctx, ServiceInfo{
		Name:    desc.Name,
		Version: desc.Version,
		Region:  desc.Region,
		Handler: handler,
	}); err != nil {
		return serviceDescriptor{}, fmt.Errorf("server: failed to register service from %s; %w", path, err)
	}

	return desc, nil
}

// watchServicesPath hot-reloads descriptors on fsnotify events: a write or
// create re-loads the file; a remove deregisters the service it last
// declared. Reload failures after the initial load are logged, not fatal,
// since the server is already serving traffic.
func (s *Server) watchServicesPath(ctx context.Context, watcher *fsnotify.Watcher, loaded map[string]serviceDescriptor) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isDescriptorFile(event.Name) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				desc, err := s.loadDescriptor(ctx, event.Name)
				if err != nil {
					s.logger.Warn("failed to reload service descriptor", "path", event.Name, "error", err)
					continue
				}
				loaded[event.Name] = desc
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if desc, ok := loaded[event.Name]; ok {
					if err := s.DeregisterService(ctx, desc.Name, desc.Version, desc.Region); err != nil {
						s.logger.Warn("failed to deregister service after descriptor removal", "path", event.Name, "error", err)
					}
					delete(loaded, event.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("services path watcher error", "error", err)
		}
	}
}
