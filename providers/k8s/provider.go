// Package k8s implements a heavytasks.Provider that tails a pod's
// logs until the pod terminates, resuming from the last-seen log
// timestamp across a pause.
package k8s

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	taskerrors "github.com/p-blackswan/heavytasks/internal/errors"
	"github.com/p-blackswan/heavytasks/internal/heavytasks"
	"github.com/p-blackswan/heavytasks/internal/k8s"
)

// Progress reports tailing status: lines observed so far and the
// timestamp of the most recent one.
type Progress struct {
	LinesSeen     int
	LastTimestamp time.Time
}

// Factory builds Provider instances bound to one Kubernetes clientset.
// AllowedNamespaces restricts which namespaces may be tailed; empty
// means unrestricted.
type Factory struct {
	Clientset         kubernetes.Interface
	AllowedNamespaces []string
}

// New satisfies heavytasks.ProviderFactory[string, string, Progress].
// Keys are of the form "namespace/podName".
func (f *Factory) New() heavytasks.Provider[string, string, Progress] {
	return &Provider{clientset: f.Clientset, allowedNamespaces: f.AllowedNamespaces}
}

// Provider tails one pod's logs. Stop always returns Dealloc: a
// paused log stream cannot be meaningfully resumed in place (the
// underlying HTTP stream is gone), so the provider is rebuilt from
// ResumeData's since-timestamp on the next admission instead of being
// retained.
type Provider struct {
	clientset         kubernetes.Interface
	allowedNamespaces []string

	mu            sync.Mutex
	namespace     string
	pod           string
	events        heavytasks.EventSink[Progress]
	result        heavytasks.ResultSink[string]
	since         time.Time
	linesSeen     int
	builder       strings.Builder
	cancel        context.CancelFunc
	invalid       bool
}

// Construct implements heavytasks.Provider.
func (p *Provider) Construct(key string, events heavytasks.EventSink[Progress], result heavytasks.ResultSink[string], resumeData []byte) {
	namespace, pod, err := parseKey(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.namespace, p.pod = namespace, pod
	p.events, p.result = events, result
	if len(resumeData) > 0 {
		if ts, perr := time.Parse(time.RFC3339Nano, string(resumeData)); perr == nil {
			p.since = ts
		}
	}
	if err != nil {
		p.invalid = true
		p.result(heavytasks.OutcomeFailure[string](taskerrors.NewProviderError(key, "malformed pod key", err)))
		return
	}
	if !k8s.NamespaceAllowed(p.allowedNamespaces, namespace) {
		p.invalid = true
		p.result(heavytasks.OutcomeFailure[string](taskerrors.NewProviderError(key, fmt.Sprintf("namespace %q is not allowed", namespace), nil)))
	}
}

// Start implements heavytasks.Provider.
func (p *Provider) Start() {
	p.mu.Lock()
	if p.invalid {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	namespace, pod, since := p.namespace, p.pod, p.since
	p.mu.Unlock()

	go p.run(ctx, namespace, pod, since)
}

func (p *Provider) run(ctx context.Context, namespace, pod string, since time.Time) {
	opts := &corev1.PodLogOptions{Follow: true, Timestamps: true}
	if !since.IsZero() {
		t := metav1.NewTime(since)
		opts.SinceTime = &t
	}

	stream, err := p.clientset.CoreV1().Pods(namespace).GetLogs(pod, opts).Stream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.finish(heavytasks.OutcomeFailure[string](
			taskerrors.NewProviderError(fmt.Sprintf("%s/%s", namespace, pod), "opening log stream", err)))
		return
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Text()
		ts, rest := splitTimestamp(line)

		p.mu.Lock()
		p.builder.WriteString(rest)
		p.builder.WriteByte('\n')
		p.linesSeen++
		if !ts.IsZero() {
			p.since = ts
		}
		snapshot := Progress{LinesSeen: p.linesSeen, LastTimestamp: p.since}
		emit := p.events
		p.mu.Unlock()

		if emit != nil {
			emit(snapshot)
		}
	}

	if ctx.Err() != nil {
		return // Stop() cancelled us — resume data already recorded
	}
	if err := scanner.Err(); err != nil {
		p.finish(heavytasks.OutcomeFailure[string](
			taskerrors.NewProviderError(fmt.Sprintf("%s/%s", namespace, pod), "reading log stream", err)))
		return
	}

	p.mu.Lock()
	full := p.builder.String()
	p.mu.Unlock()
	p.finish(heavytasks.OutcomeValue(full))
}

func (p *Provider) finish(outcome heavytasks.Outcome[string]) {
	p.mu.Lock()
	result := p.result
	p.mu.Unlock()
	if result != nil {
		result(outcome)
	}
}

// Stop implements heavytasks.Provider: always Dealloc, since the open
// HTTP log stream cannot survive a pause.
func (p *Provider) Stop() heavytasks.StopAction {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	return heavytasks.Dealloc
}

// ResumeData implements heavytasks.Provider, persisting the
// most-recently-seen log timestamp so a rebuilt provider can request
// logs since that point instead of replaying from the start.
func (p *Provider) ResumeData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.since.IsZero() {
		return nil
	}
	return []byte(p.since.Format(time.RFC3339Nano))
}

func parseKey(key string) (namespace, pod string, err error) {
	idx := strings.IndexByte(key, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("expected namespace/podName, got %q", key)
	}
	return key[:idx], key[idx+1:], nil
}

// splitTimestamp peels the RFC3339Nano timestamp prefix kubelet adds
// when Timestamps is set, returning the zero time if the line is
// unexpectedly shaped.
func splitTimestamp(line string) (time.Time, string) {
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return time.Time{}, line
	}
	ts, err := time.Parse(time.RFC3339Nano, line[:sp])
	if err != nil {
		return time.Time{}, line
	}
	return ts, line[sp+1:]
}
