package constants

import (
	"log"
	"sync"
)

// Reloader merges named layers of key=value overrides on top of the defaults
// and reports every resulting change. Layers are applied in the order they
// were declared, so a later layer wins. Changes are reported in the order
// they were merged; onChange must not call SetLayer.
type Reloader struct {
	deliver  sync.Mutex
	mu       sync.Mutex
	logger   *log.Logger
	order    []string
	layers   map[string]map[string]string
	current  Constants
	onChange func(Constants)
}

// NewReloader creates a reloader with the given layer order.
func NewReloader(logger *log.Logger, onChange func(Constants), layers ...string) *Reloader {
	return &Reloader{
		logger:   logger,
		order:    layers,
		layers:   make(map[string]map[string]string),
		current:  Default(),
		onChange: onChange,
	}
}

// Current returns the merged constants.
func (r *Reloader) Current() Constants {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetLayer replaces one layer and recomputes the merged constants. Bad values
// are logged and skipped; the lower layers' value stays in effect for them.
func (r *Reloader) SetLayer(name string, values map[string]string) {
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	r.layers[name] = values

	merged := Default()
	for _, layer := range r.order {
		next, err := merged.Apply(r.layers[layer])
		if err != nil {
			r.logger.Printf("Bad idle constants in %s: %v", layer, err)
		}
		merged = next
	}

	changed := merged != r.current
	r.current = merged
	onChange := r.onChange
	r.mu.Unlock()

	if changed && onChange != nil {
		onChange(merged)
	}
}

// SetLayerString parses a key=value list into a layer. A malformed list is
// logged and the layer keeps its previous contents.
func (r *Reloader) SetLayerString(name, list string) {
	values, err := ParseList(list)
	if err != nil {
		r.logger.Printf("Ignoring %s idle constants: %v", name, err)
		return
	}
	r.SetLayer(name, values)
}
