package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrProviderNotFound      = errors.New("provider not found")
	ErrProviderAlreadyExists = errors.New("provider already exists")
	ErrMissingAPIKey         = errors.New("missing API key")
)

// Factory costruisce un adapter per un endpoint
type Factory func(ep Endpoint) (Adapter, error)

// Driver descrive un tipo di provider registrabile
type Driver struct {
	Name           string
	New            Factory
	DefaultBaseURL string
	DefaultModel   string
	KeyOptional    bool
}

// Registry mappa gli identificatori di provider sulle loro factory
type Registry struct {
	drivers map[string]Driver
	mu      sync.RWMutex
}

// NewRegistry crea un nuovo registry vuoto
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
	}
}

// Register registra un driver
func (r *Registry) Register(d Driver) error {
	name := strings.ToLower(d.Name)
	if name == "" || d.New == nil {
		return fmt.Errorf("%w: driver needs a name and a factory", ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyExists, name)
	}
	d.Name = name
	r.drivers[name] = d

	log.Debug().Str("provider", name).Msg("Provider driver registered")
	return nil
}

// Driver restituisce il driver di un provider
func (r *Registry) Driver(provider string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[strings.ToLower(provider)]
	if !ok {
		return Driver{}, fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
	}
	return d, nil
}

// New costruisce l'adapter di un endpoint applicando i default del driver
func (r *Registry) New(ep Endpoint) (Adapter, error) {
	d, err := r.Driver(ep.Provider)
	if err != nil {
		return nil, err
	}

	if ep.APIKey == "" && !d.KeyOptional {
		return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, ep.Provider)
	}
	if ep.BaseURL == "" {
		ep.BaseURL = d.DefaultBaseURL
	}
	if ep.Model == "" {
		ep.Model = d.DefaultModel
	}

	return d.New(ep)
}

// Names restituisce i provider registrati in ordine alfabetico
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
