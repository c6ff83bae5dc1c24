package jira

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

type fakeClient struct {
	body string
	err  error
}

func (f *fakeClient) Do(_ context.Context, _, _ string) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{Body: io.NopCloser(bytes.NewBufferString(f.body))}, nil
}

func waitResult(t *testing.T, ch <-chan heavytasks.Outcome[Issue]) heavytasks.Outcome[Issue] {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		t.Fatal("provider never reported a result")
		return heavytasks.Outcome[Issue]{}
	}
}

func TestProviderFetchesIssue(t *testing.T) {
	fc := &fakeClient{body: `{
		"key": "PROJ-7",
		"fields": {
			"summary": "Fix the thing",
			"status": {"name": "In Progress"},
			"assignee": {"displayName": "Ada Lovelace"}
		}
	}`}
	f := Factory{Client: fc, Logger: zerolog.Nop()}
	p := f.New()

	var statuses []Status
	resultCh := make(chan heavytasks.Outcome[Issue], 1)
	p.Construct("PROJ-7", func(s Status) { statuses = append(statuses, s) }, func(o heavytasks.Outcome[Issue]) { resultCh <- o }, nil)
	p.Start()

	r := waitResult(t, resultCh)
	require.True(t, r.IsSuccess())
	assert.Equal(t, "PROJ-7", r.Value.Key)
	assert.Equal(t, "Fix the thing", r.Value.Summary)
	assert.Equal(t, "In Progress", r.Value.Status)
	assert.Equal(t, "Ada Lovelace", r.Value.Assignee)
	assert.Contains(t, statuses, Fetching)
}

func TestProviderFetchUnassignedIssue(t *testing.T) {
	fc := &fakeClient{body: `{"key":"PROJ-8","fields":{"summary":"No owner","status":{"name":"To Do"}}}`}
	f := Factory{Client: fc, Logger: zerolog.Nop()}
	p := f.New()

	resultCh := make(chan heavytasks.Outcome[Issue], 1)
	p.Construct("PROJ-8", nil, func(o heavytasks.Outcome[Issue]) { resultCh <- o }, nil)
	p.Start()

	r := waitResult(t, resultCh)
	require.True(t, r.IsSuccess())
	assert.Empty(t, r.Value.Assignee)
}

func TestProviderSurfacesHTTPFailure(t *testing.T) {
	fc := &fakeClient{err: assert.AnError}
	f := Factory{Client: fc, Logger: zerolog.Nop()}
	p := f.New()

	resultCh := make(chan heavytasks.Outcome[Issue], 1)
	p.Construct("PROJ-9", nil, func(o heavytasks.Outcome[Issue]) { resultCh <- o }, nil)
	p.Start()

	r := waitResult(t, resultCh)
	assert.False(t, r.IsSuccess())
	assert.ErrorIs(t, r.Err, assert.AnError)
}

func TestStopAlwaysDeallocs(t *testing.T) {
	p := (&Factory{Client: &fakeClient{}, Logger: zerolog.Nop()}).New()
	assert.Equal(t, heavytasks.Dealloc, p.Stop())
	assert.Nil(t, p.ResumeData())
}
