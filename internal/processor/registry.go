package processor

import (
	"strings"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/processor/domain"
)

// Registry holds one processor client per mode. Modes without a key are absent.
type Registry struct {
	processors map[donationdomain.Mode]domain.Processor
}

func NewStaticRegistry(processors map[donationdomain.Mode]domain.Processor) *Registry {
	registry := &Registry{processors: map[donationdomain.Mode]domain.Processor{}}
	for mode, p := range processors {
		if p == nil {
			continue
		}
		registry.processors[mode] = p
	}
	return registry
}

func (r *Registry) ForMode(mode donationdomain.Mode) (domain.Processor, error) {
	if r == nil {
		return nil, domain.ErrModeNotConfigured
	}
	p, ok := r.processors[donationdomain.Mode(strings.ToLower(strings.TrimSpace(string(mode))))]
	if !ok {
		return nil, domain.ErrModeNotConfigured
	}
	return p, nil
}

// Modes lists the configured modes, live first.
func (r *Registry) Modes() []donationdomain.Mode {
	var out []donationdomain.Mode
	if r == nil {
		return out
	}
	for _, mode := range []donationdomain.Mode{donationdomain.ModeLive, donationdomain.ModeTest} {
		if _, ok := r.processors[mode]; ok {
			out = append(out, mode)
		}
	}
	return out
}
