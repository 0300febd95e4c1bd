package service

// Registry selects a variant for a URL. Variants are evaluated in the order
// they were registered; the fallback serves anything no variant claims.
type Registry struct {
	variants []Variant
	fallback Variant
}

// NewRegistry creates a registry. fallback must not be nil.
func NewRegistry(fallback Variant, variants ...Variant) *Registry {
	return &Registry{variants: variants, fallback: fallback}
}

// Resolve returns the first variant supporting rawURL, or the fallback.
func (r *Registry) Resolve(rawURL string) Variant {
	for _, v := range r.variants {
		if v.Supported(rawURL) {
			return v
		}
	}
	return r.fallback
}

// Lookup finds a variant by name, the fallback included.
func (r *Registry) Lookup(name string) (Variant, bool) {
	for _, v := range r.variants {
		if v.Name() == name {
			return v, true
		}
	}
	if r.fallback != nil && r.fallback.Name() == name {
		return r.fallback, true
	}
	return nil, false
}

// Names lists variant names in priority order, fallback last.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.variants)+1)
	for _, v := range r.variants {
		names = append(names, v.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name())
	}
	return names
}

// Tools names the external programs driving the vendor variants.
type Tools struct {
	Mega      string
	YouTube   string
	PlayStore string
}

// Builtin assembles the stock registry: Mega, Play Store and YouTube, with the
// generic HTTP fetcher as fallback.
func Builtin(fetcher *HTTP, tools Tools) *Registry {
	return NewRegistry(fetcher,
		Mega(tools.Mega).WithSize(MegaSize(fetcher, MegaAPI)),
		PlayStore(tools.PlayStore),
		YouTube(tools.YouTube),
	)
}
