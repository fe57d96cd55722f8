package cachemanager

import "strings"

// Opcode is one primitive action in the plan vocabulary named in §4.4.
type Opcode int

const (
	// OpENOENT: operation must fail with not-found.
	OpENOENT Opcode = iota
	// OpUseUpstream: read/metadata path resolves to the upstream path.
	OpUseUpstream
	// OpUseCache: path resolves to the cache path.
	OpUseCache
	// OpFetch: copy from upstream to cache before proceeding.
	OpFetch
	// OpEvict: remove from cache before proceeding.
	OpEvict
	// OpConflict: divergent state detected.
	OpConflict
)

func (o Opcode) String() string {
	switch o {
	case OpENOENT:
		return "enoent"
	case OpUseUpstream:
		return "use_upstream"
	case OpUseCache:
		return "use_cache"
	case OpFetch:
		return "fetch"
	case OpEvict:
		return "evict"
	case OpConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Plan is the ordered opcode sequence CacheManager produces for a given
// read/metadata request, per §4.4's decision table.
type Plan []Opcode

func (p Plan) String() string {
	names := make([]string, len(p))
	for i, op := range p {
		names[i] = op.String()
	}
	return "[" + strings.Join(names, " ") + "]"
}

// decisionInputs are the five booleans (plus the for-stat distinction)
// the decision table in §4.4 is keyed on.
type decisionInputs struct {
	cached          bool
	shouldCache     bool
	upstreamUp      bool
	upstreamChanged bool
	logDirty        bool
	forStat         bool
}

// decide implements the §4.4 decision table verbatim.
func decide(in decisionInputs) Plan {
	switch {
	case !in.cached && !in.upstreamUp:
		return Plan{OpENOENT}
	case !in.cached && !in.shouldCache && in.upstreamUp:
		return Plan{OpUseUpstream}
	case !in.cached && in.shouldCache && in.upstreamUp && in.forStat:
		return Plan{OpUseUpstream}
	case !in.cached && in.shouldCache && in.upstreamUp && !in.forStat:
		return Plan{OpFetch, OpUseCache}
	case !in.cached && in.shouldCache && !in.upstreamUp:
		return Plan{OpENOENT}
	case in.cached && !in.shouldCache && in.upstreamUp:
		return Plan{OpEvict, OpUseUpstream}
	case in.cached && !in.shouldCache && !in.upstreamUp:
		return Plan{OpEvict, OpENOENT}
	case in.cached && in.shouldCache && in.upstreamUp && in.upstreamChanged && in.logDirty:
		return Plan{OpConflict}
	case in.cached && in.shouldCache && in.upstreamUp && in.upstreamChanged && !in.logDirty && in.forStat:
		return Plan{OpUseUpstream}
	case in.cached && in.shouldCache && in.upstreamUp && in.upstreamChanged && !in.logDirty && !in.forStat:
		return Plan{OpFetch, OpUseCache}
	case in.cached && in.shouldCache && !in.upstreamChanged:
		return Plan{OpUseCache}
	default:
		// Every row of §4.4's table is covered above; this is reachable
		// only if upstreamUp is false with upstreamChanged meaningless,
		// which §4.4 marks don't-care and resolves to use_cache so long
		// as the file is already cached and cacheable.
		return Plan{OpUseCache}
	}
}
