package github

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

func testClient(t *testing.T, handler http.HandlerFunc) *gogithub.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := gogithub.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	c.BaseURL = base
	return c
}

func waitComments(t *testing.T, ch <-chan heavytasks.Outcome[[]Comment]) heavytasks.Outcome[[]Comment] {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("provider never reported a result")
		return heavytasks.Outcome[[]Comment]{}
	}
}

func TestProviderPagesThroughReviewComments(t *testing.T) {
	var pagesServed []string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		pagesServed = append(pagesServed, r.URL.Query().Get("page"))
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?page=2>; rel="next"`, r.Host, r.URL.Path))
			fmt.Fprint(w, `[{"id":1,"path":"a.go","line":10,"user":{"login":"ada"},"body":"first"}]`)
		default:
			fmt.Fprint(w, `[{"id":2,"path":"b.go","line":20,"user":{"login":"ada"},"body":"second"}]`)
		}
	})

	f := Factory{Client: client, Logger: zerolog.Nop()}
	p := f.New()

	var progress []Progress
	resultCh := make(chan heavytasks.Outcome[[]Comment], 1)
	p.Construct("acme/widgets#42", func(pr Progress) { progress = append(progress, pr) },
		func(o heavytasks.Outcome[[]Comment]) { resultCh <- o }, nil)
	p.Start()

	r := waitComments(t, resultCh)
	require.True(t, r.IsSuccess())
	require.Len(t, r.Value, 2)
	assert.Equal(t, "first", r.Value[0].Body)
	assert.Equal(t, "second", r.Value[1].Body)
	assert.Equal(t, "ada", r.Value[0].User)
	assert.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].CommentsSoFar)
}

func TestProviderRejectsMalformedKey(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should not call the API for a malformed key")
	})
	f := Factory{Client: client, Logger: zerolog.Nop()}
	p := f.New()

	resultCh := make(chan heavytasks.Outcome[[]Comment], 1)
	p.Construct("not-a-valid-key", nil, func(o heavytasks.Outcome[[]Comment]) { resultCh <- o }, nil)
	p.Start()

	r := waitComments(t, resultCh)
	assert.False(t, r.IsSuccess())
}

func TestProviderResumesFromPersistedPage(t *testing.T) {
	var pagesSeen []string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		pagesSeen = append(pagesSeen, r.URL.Query().Get("page"))
		fmt.Fprint(w, `[{"id":3,"path":"c.go","line":1,"user":{"login":"bob"},"body":"third"}]`)
	})
	f := Factory{Client: client, Logger: zerolog.Nop()}
	p := f.New()

	resultCh := make(chan heavytasks.Outcome[[]Comment], 1)
	p.Construct("acme/widgets#42", nil, func(o heavytasks.Outcome[[]Comment]) { resultCh <- o }, []byte("3"))
	p.Start()

	r := waitComments(t, resultCh)
	require.True(t, r.IsSuccess())
	require.Len(t, pagesSeen, 1)
	assert.Equal(t, "3", pagesSeen[0])
}

func TestStopAlwaysReuses(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	p := (&Factory{Client: client, Logger: zerolog.Nop()}).New()
	assert.Equal(t, heavytasks.Reuse, p.Stop())
}

func TestParseKey(t *testing.T) {
	owner, repo, number, err := parseKey("acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 42, number)

	_, _, _, err = parseKey("missing-hash")
	assert.Error(t, err)
}
