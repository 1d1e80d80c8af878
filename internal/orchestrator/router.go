package orchestrator

// Router selects an ordered fallback list of providers for a task type.
//
// The routing table is static configuration (task type → ordered provider
// ids); the health filter is runtime state supplied by the orchestrator.
type Router struct {
	table   map[string][]string
	healthy func(id string) bool
}

func NewRouter(table map[string][]string, healthy func(id string) bool) *Router {
	cp := make(map[string][]string, len(table))
	for k, v := range table {
		cp[k] = append([]string(nil), v...)
	}
	if healthy == nil {
		healthy = func(string) bool { return true }
	}
	return &Router{table: cp, healthy: healthy}
}

// CandidatesFor returns the ordered candidate provider ids for taskType,
// with unhealthy providers filtered out. If preferred is non-empty and
// present in the filtered list it is moved to the front; the rest keep their
// configured order.
func (r *Router) CandidatesFor(taskType, preferred string) []string {
	configured := r.table[taskType]
	if len(configured) == 0 {
		return nil
	}

	out := make([]string, 0, len(configured))
	for _, id := range configured {
		if r.healthy(id) {
			out = append(out, id)
		}
	}

	if preferred == "" {
		return out
	}
	for i, id := range out {
		if id == preferred {
			if i > 0 {
				// Stable promotion: shift the prefix right by one.
				copy(out[1:i+1], out[:i])
				out[0] = id
			}
			break
		}
	}
	return out
}

// Routed reports whether the table has any entry for taskType (healthy or not).
func (r *Router) Routed(taskType string) bool {
	return len(r.table[taskType]) > 0
}
