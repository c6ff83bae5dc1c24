// Package jira implements a heavytasks.Provider that fetches a single
// Jira issue. The Jira v3 issue-get endpoint has no pagination, so
// this provider never pauses mid-fetch: Start either reports a result
// right away or fails outright.
package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	taskerrors "github.com/p-blackswan/heavytasks/internal/errors"
	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

// Issue is the flattened shape this provider reports.
type Issue struct {
	Key      string
	Summary  string
	Status   string
	Assignee string
}

// Status is the single progress payload emitted immediately before
// the fetch completes — this provider has no intermediate phases to
// report, so it only ever signals "fetching" then the result.
type Status string

const Fetching Status = "fetching"

// Client is the subset of *internal/jira.Client this provider needs.
// Declared as an interface so tests can substitute a fake without
// reaching into the real HTTP client.
type Client interface {
	Do(ctx context.Context, method, path string) (*http.Response, error)
}

// Factory builds Provider instances bound to one Jira client.
type Factory struct {
	Client Client
	Logger zerolog.Logger
}

// New satisfies heavytasks.ProviderFactory[string, Issue, Status].
// Keys are Jira issue keys ("PROJ-123").
func (f *Factory) New() heavytasks.Provider[string, Issue, Status] {
	return &Provider{client: f.Client}
}

// Provider fetches one Jira issue in a single round trip.
type Provider struct {
	client Client

	mu     sync.Mutex
	key    string
	events heavytasks.EventSink[Status]
	result heavytasks.ResultSink[Issue]
}

// Construct implements heavytasks.Provider. resumeData is ignored:
// there is nothing to resume for a single-shot fetch.
func (p *Provider) Construct(key string, events heavytasks.EventSink[Status], result heavytasks.ResultSink[Issue], _ []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key, p.events, p.result = key, events, result
}

// Start implements heavytasks.Provider.
func (p *Provider) Start() {
	p.mu.Lock()
	key, events, result := p.key, p.events, p.result
	p.mu.Unlock()

	go func() {
		if events != nil {
			events(Fetching)
		}

		resp, err := p.client.Do(context.Background(), http.MethodGet, "/rest/api/3/issue/"+key)
		if err != nil {
			result(heavytasks.OutcomeFailure[Issue](taskerrors.NewProviderError(key, "fetching issue", err)))
			return
		}
		defer resp.Body.Close()

		var wire struct {
			Key    string `json:"key"`
			Fields struct {
				Summary string `json:"summary"`
				Status  struct {
					Name string `json:"name"`
				} `json:"status"`
				Assignee *struct {
					DisplayName string `json:"displayName"`
				} `json:"assignee"`
			} `json:"fields"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			result(heavytasks.OutcomeFailure[Issue](taskerrors.NewProviderError(key, "decoding issue response", err)))
			return
		}

		issue := Issue{
			Key:     strings.TrimSpace(wire.Key),
			Summary: wire.Fields.Summary,
			Status:  wire.Fields.Status.Name,
		}
		if wire.Fields.Assignee != nil {
			issue.Assignee = wire.Fields.Assignee.DisplayName
		}
		result(heavytasks.OutcomeValue(issue))
	}()
}

// Stop implements heavytasks.Provider. A single-shot fetch in flight
// cannot be meaningfully paused and resumed — Dealloc lets the
// manager discard the instance; a later fetch simply starts over.
func (p *Provider) Stop() heavytasks.StopAction { return heavytasks.Dealloc }

// ResumeData implements heavytasks.Provider; always empty.
func (p *Provider) ResumeData() []byte { return nil }
