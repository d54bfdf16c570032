package repo

import (
	"context"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// FakeResult replays fixed records. It satisfies Result.
type FakeResult struct {
	Records []*neo4j.Record
	idx     int
}

func (f *FakeResult) Next(context.Context) bool {
	if f.idx < len(f.Records) {
		f.idx++
		return true
	}
	return false
}

func (f *FakeResult) Record() *neo4j.Record { return f.Records[f.idx-1] }
func (f *FakeResult) Err() error            { return nil }

// FakeRunner records every statement and answers from Respond.
type FakeRunner struct {
	mu      sync.Mutex
	Cyphers []string
	Params  []map[string]any
	Respond func(cypher string, params map[string]any) ([]*neo4j.Record, error)
}

func (f *FakeRunner) Run(_ context.Context, cypher string, params map[string]any) (Result, error) {
	f.mu.Lock()
	f.Cyphers = append(f.Cyphers, cypher)
	f.Params = append(f.Params, params)
	f.mu.Unlock()
	if f.Respond == nil {
		return &FakeResult{}, nil
	}
	recs, err := f.Respond(cypher, params)
	if err != nil {
		return nil, err
	}
	return &FakeResult{Records: recs}, nil
}

func (f *FakeRunner) Close(context.Context) error { return nil }

// Open returns a SessionFunc that always hands out f.
func (f *FakeRunner) Open() SessionFunc {
	return func(context.Context) Runner { return f }
}
