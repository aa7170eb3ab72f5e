package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
)

// JobFunc runs one named job with its raw arguments
type JobFunc func(ctx context.Context, args json.RawMessage) any

// Router dispatches execute commands to named jobs. The job is chosen
// by the "job" field of the args, falling back to the default job when
// the field is absent.
type Router struct {
	mu         sync.RWMutex
	jobs       map[string]JobFunc
	defaultJob string
}

// NewRouter creates an empty job router
func NewRouter(defaultJob string) *Router {
	return &Router{
		jobs:       make(map[string]JobFunc),
		defaultJob: defaultJob,
	}
}

// Register adds a named job
func (r *Router) Register(name string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[name] = fn
}

// Jobs lists the registered job names sorted
func (r *Router) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements ExecuteFunc
func (r *Router) Execute(ctx context.Context, args json.RawMessage) any {
	var probe struct {
		Job string `json:"job"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &probe); err != nil {
			return ackMessage{Status: "error", Message: fmt.Sprintf("invalid args: %v", err)}
		}
	}

	name := probe.Job
	if name == "" {
		name = r.defaultJob
	}

	r.mu.RLock()
	fn, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return ackMessage{
			Status:  "error",
			Message: fmt.Sprintf("unknown job %q, available: %v", name, r.Jobs()),
		}
	}

	log.Printf("Dispatching job %q", name)
	return fn(ctx, args)
}
