// Package github implements a heavytasks.Provider that pages through
// a pull request's review comments via the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	taskerrors "github.com/p-blackswan/heavytasks/internal/errors"
	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

// Comment is the flattened shape this provider reports, decoupled
// from go-github's wire type so callers never import it directly.
type Comment struct {
	ID   int64
	Path string
	Line int
	User string
	Body string
}

// Progress reports page-by-page pull request review comment fetch
// status.
type Progress struct {
	Page          int
	CommentsSoFar int
}

// Factory builds Provider instances bound to one authenticated
// go-github client. PerPage defaults to 100 (GitHub's maximum) when
// left at zero.
type Factory struct {
	Client  *gogithub.Client
	PerPage int
	Logger  zerolog.Logger
}

// New satisfies heavytasks.ProviderFactory[string, []Comment, Progress].
func (f *Factory) New() heavytasks.Provider[string, []Comment, Progress] {
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	return &Provider{client: f.Client, perPage: perPage, logger: f.Logger}
}

// Provider fetches one pull request's review comments. Keys are of
// the form "owner/repo#number". Pausing (Stop → Reuse) keeps the
// provider instance and its accumulated page state; Stop → Dealloc
// persists the next page number to fetch as resume data.
type Provider struct {
	client  *gogithub.Client
	perPage int
	logger  zerolog.Logger

	mu         sync.Mutex
	owner      string
	repo       string
	number     int
	events     heavytasks.EventSink[Progress]
	result     heavytasks.ResultSink[[]Comment]
	nextPage   int
	collected  []Comment
	cancel     context.CancelFunc
	stopAction heavytasks.StopAction
	invalid    bool
}

// Construct implements heavytasks.Provider.
func (p *Provider) Construct(key string, events heavytasks.EventSink[Progress], result heavytasks.ResultSink[[]Comment], resumeData []byte) {
	owner, repo, number, err := parseKey(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner, p.repo, p.number = owner, repo, number
	p.events, p.result = events, result
	p.nextPage = 1
	if len(resumeData) > 0 {
		if n, perr := strconv.Atoi(string(resumeData)); perr == nil && n > 0 {
			p.nextPage = n
		}
	}
	if err != nil {
		p.invalid = true
		p.result(heavytasks.OutcomeFailure[[]Comment](taskerrors.NewProviderError(key, "malformed pull request key", err)))
	}
}

// Start implements heavytasks.Provider: pages through review comments
// starting at the resumed (or initial) page until exhausted, a
// failure occurs, or Stop cancels the in-flight request.
func (p *Provider) Start() {
	p.mu.Lock()
	if p.invalid {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	owner, repo, number, page := p.owner, p.repo, p.number, p.nextPage
	p.mu.Unlock()

	go p.run(ctx, owner, repo, number, page)
}

func (p *Provider) run(ctx context.Context, owner, repo string, number, page int) {
	opts := &gogithub.ListOptions{Page: page, PerPage: p.perPage}
	for {
		comments, resp, err := p.client.PullRequests.ListReviewComments(ctx, owner, repo, number, nil, opts)
		if err != nil {
			if ctx.Err() != nil {
				return // Stop() cancelled us — no result, we'll resume later
			}
			p.finish(heavytasks.OutcomeFailure[[]Comment](
				taskerrors.NewProviderError(fmt.Sprintf("%s/%s#%d", owner, repo, number), "listing review comments", err)))
			return
		}

		p.mu.Lock()
		for _, c := range comments {
			p.collected = append(p.collected, Comment{
				ID:   c.GetID(),
				Path: c.GetPath(),
				Line: c.GetLine(),
				User: c.GetUser().GetLogin(),
				Body: c.GetBody(),
			})
		}
		p.nextPage = opts.Page + 1
		soFar := len(p.collected)
		result := make([]Comment, len(p.collected))
		copy(result, p.collected)
		emit := p.events
		p.mu.Unlock()

		if emit != nil {
			emit(Progress{Page: opts.Page, CommentsSoFar: soFar})
		}

		if resp.NextPage == 0 {
			p.finish(heavytasks.OutcomeValue(result))
			return
		}
		opts.Page = resp.NextPage

		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Provider) finish(outcome heavytasks.Outcome[[]Comment]) {
	p.mu.Lock()
	result := p.result
	p.mu.Unlock()
	if result != nil {
		result(outcome)
	}
}

// Stop implements heavytasks.Provider. Always retains the instance
// (Reuse): the next run resumes from nextPage rather than repaginating
// from the start, so there is nothing worth discarding.
func (p *Provider) Stop() heavytasks.StopAction {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	return heavytasks.Reuse
}

// ResumeData implements heavytasks.Provider, reporting the next page
// to fetch — consulted only if Stop ever returns Dealloc, which this
// provider never does, but a caller composing providers generically
// may still call it.
func (p *Provider) ResumeData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []byte(strconv.Itoa(p.nextPage))
}

func parseKey(key string) (owner, repo string, number int, err error) {
	slash := strings.IndexByte(key, '/')
	hash := strings.LastIndexByte(key, '#')
	if slash < 0 || hash < slash {
		return "", "", 0, fmt.Errorf("expected owner/repo#number, got %q", key)
	}
	owner = key[:slash]
	repo = key[slash+1 : hash]
	number, err = strconv.Atoi(key[hash+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("expected owner/repo#number, got %q", key)
	}
	return owner, repo, number, nil
}
