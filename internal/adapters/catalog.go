package adapters

import (
	"fmt"
	"time"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// RegisterBuiltins registers every shipped adapter. sources overrides the
// defaults from DefaultSources per key; a nil fetcher skips the network
// adapters.
func RegisterBuiltins(r *Registry, sources map[string]harvest.SourceConfig, fetcher DocumentFetcher, now func() time.Time) error {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	resolve := func(key string) harvest.SourceConfig {
		if src, ok := sources[key]; ok {
			src.Key = key
			return src
		}
		return DefaultSources()[key]
	}
	for _, f := range fixtures() {
		if err := r.Register(resolve(f.key), f.adapter(now)); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	if fetcher == nil {
		return nil
	}
	ipeds := resolve(KeyIPEDS)
	if err := r.Register(ipeds, ipedsAdapter(ipeds, fetcher)); err != nil {
		return fmt.Errorf("register builtin: %w", err)
	}
	html := resolve(KeyCCCCOHTML)
	if err := r.Register(html, ccccoHTMLAdapter(html, fetcher, now)); err != nil {
		return fmt.Errorf("register builtin: %w", err)
	}
	return nil
}
