package engineconfig

import (
	"encoding/json"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Hash fingerprints the forwarding-relevant part of the document: every
// service together with the chain it routes through. Services are visited in
// name order so the result does not depend on generation order.
func Hash(cfg *Config) uint64 {
	d := xxhash.New()
	if cfg == nil {
		return d.Sum64()
	}

	services := append([]Service(nil), cfg.Services...)
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	for _, svc := range services {
		writeJSON(d, svc)
		if ch, ok := cfg.chain(svc.Handler.Chain); ok {
			writeJSON(d, ch)
		}
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// encoding/json sorts map keys, so Metadata encodes deterministically.
func writeJSON(d *xxhash.Digest, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = d.Write(data)
}
