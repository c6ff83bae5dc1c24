// Command heavytasksd runs the heavy-tasks coordinator: one
// KVHeavyTasksManager per data source (GitHub pull request review
// comments, Jira issues, Kubernetes pod logs), each fronted by a
// fetch-trigger REST route and a progress/result websocket stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/p-blackswan/heavytasks/cache"
	"github.com/p-blackswan/heavytasks/internal/config"
	ghclient "github.com/p-blackswan/heavytasks/internal/github"
	"github.com/p-blackswan/heavytasks/internal/health"
	"github.com/p-blackswan/heavytasks/internal/heavytasks"
	"github.com/p-blackswan/heavytasks/internal/httpapi"
	jiraclient "github.com/p-blackswan/heavytasks/internal/jira"
	k8sclient "github.com/p-blackswan/heavytasks/internal/k8s"
	"github.com/p-blackswan/heavytasks/internal/metrics"
	slackclient "github.com/p-blackswan/heavytasks/internal/slack"
	"github.com/p-blackswan/heavytasks/pkg/tokenstore"
	githubprov "github.com/p-blackswan/heavytasks/providers/github"
	k8sprov "github.com/p-blackswan/heavytasks/providers/k8s"
	jiraprov "github.com/p-blackswan/heavytasks/providers/jira"
	slackobs "github.com/p-blackswan/heavytasks/observers/slack"
)

func identity(s string) (string, error) { return s, nil }

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	priority, err := cfg.PriorityStrategy()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid priority strategy")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("priority", priority.String()).
		Int("max_running", cfg.MaxRunning).
		Int("max_queueing", cfg.MaxQueueing).
		Bool("github_enabled", cfg.GitHubEnabled()).
		Bool("jira_enabled", cfg.JiraEnabled()).
		Bool("kube_enabled", cfg.KubeEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting heavy-tasks coordinator")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	met := metrics.New()
	checker := health.NewChecker(logger)

	var slackClient *slackclient.SafeSlackClient
	if cfg.SlackEnabled() {
		raw := slack.New(cfg.SlackBotToken)
		slackClient = slackclient.NewSafeSlackClient(raw, cfg.SlackAllowedChannelList(), logger)
	}

	httpCfg := httpapi.Config{
		ListenAddr:  cfg.MgmtListenAddr,
		Auth:        httpapi.AuthConfig{Mode: authMode(cfg), SigningKey: cfg.MgmtJWTSigningKey},
		CORSOrigins: cfg.MgmtCORSOrigins,
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}
	server := httpapi.NewServer(httpCfg, checker, met, logger)
	mux := http.NewServeMux()

	if cfg.GitHubEnabled() {
		mgr, obs, err := buildGitHubManager(cfg, met, slackClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build github manager")
		}
		group := server.API().Group("/github")
		group.Post("/fetch/:key", httpapi.TriggerHandler(mgr, identity, githubEventFor(obs), githubResultFor(obs)))
		group.Get("/stats", httpapi.StatsHandler(mgr))
		mux.HandleFunc("/ws/github/", httpapi.ProgressStreamHandler("/ws/github", mgr, identity, logger))
		mux.Handle("/webhooks/github", githubWebhookHandler(cfg, mgr, obs, logger))
		checker.Register("github-manager", health.ManagerCheck(mgr, cfg.MaxQueueing))
	}

	if cfg.JiraEnabled() {
		mgr, err := buildJiraManager(cfg, met, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build jira manager")
		}
		group := server.API().Group("/jira")
		group.Post("/fetch/:key", httpapi.TriggerHandler(mgr, identity, nil, nil))
		group.Get("/stats", httpapi.StatsHandler(mgr))
		mux.HandleFunc("/ws/jira/", httpapi.ProgressStreamHandler("/ws/jira", mgr, identity, logger))
		checker.Register("jira-manager", health.ManagerCheck(mgr, cfg.MaxQueueing))
	}

	if cfg.KubeEnabled() {
		mgr, kubeClient, err := buildKubeManager(cfg, met, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build kubernetes manager")
		}
		group := server.API().Group("/k8s")
		group.Post("/fetch/:key", httpapi.TriggerHandler(mgr, identity, nil, nil))
		group.Get("/stats", httpapi.StatsHandler(mgr))
		group.Get("/namespaces/:namespace/pods", kubeFindPodsHandler(kubeClient))
		group.Get("/namespaces/:namespace/pods/:pod/describe", kubeDescribePodHandler(kubeClient))
		group.Get("/namespaces/:namespace/pods/:pod/events", kubeEventsHandler(kubeClient))
		mux.HandleFunc("/ws/k8s/", httpapi.ProgressStreamHandler("/ws/k8s", mgr, identity, logger))
		checker.Register("k8s-manager", health.ManagerCheck(mgr, cfg.MaxQueueing))
	}

	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: mux}

	go func() {
		logger.Info().Str("addr", httpCfg.ListenAddr).Msg("starting fetch-trigger REST API")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("httpapi server stopped")
		}
	}()

	go func() {
		logger.Info().Str("addr", wsServer.Addr).Msg("starting progress websocket server")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("websocket server stopped")
		}
	}()

	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("httpapi server shutdown error")
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket server shutdown error")
	}

	logger.Info().Msg("heavy-tasks coordinator stopped")
}

func authMode(cfg *config.Config) string {
	if cfg.MgmtJWTSigningKey == "" {
		return "none"
	}
	return "jwt"
}

func buildGitHubManager(cfg *config.Config, met *metrics.Metrics, slackClient *slackclient.SafeSlackClient, logger zerolog.Logger) (*heavytasks.Manager[string, []githubprov.Comment, githubprov.Progress], *slackobs.Observer[githubprov.Progress], error) {
	store := tokenstore.NewMemoryStore()
	appClient, err := ghclient.NewClient(cfg.GitHubAppID, cfg.GitHubInstallationID, cfg.GitHubPrivateKeyPath, store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating github app client: %w", err)
	}
	installClient, err := appClient.GetInstallationClient(context.Background())
	if err != nil {
		return nil, nil, fmt.Errorf("minting github installation client: %w", err)
	}

	factory := &githubprov.Factory{Client: installClient, Logger: logger}

	var obs *slackobs.Observer[githubprov.Progress]
	if slackClient != nil {
		obs = slackobs.New[githubprov.Progress](slackClient, defaultSlackChannel(cfg), func(p githubprov.Progress) string {
			return fmt.Sprintf(":mag: page %d, %d comments collected so far", p.Page, p.CommentsSoFar)
		}, logger)
	}

	resultCache := cache.New[string, []githubprov.Comment](cfg.CacheSize)
	resumeCache := cache.New[string, []byte](cfg.CacheSize)

	mgr := heavytasks.New(heavytasks.Config[string, []githubprov.Comment, githubprov.Progress]{
		MaxRunning:  cfg.MaxRunning,
		MaxQueueing: cfg.MaxQueueing,
		Priority:    must(cfg.PriorityStrategy()),
		ResultCache: resultCache,
		ResumeCache: resumeCache,
		ResultTTL:   cfg.ResultTTL,
		ResumeTTL:   cfg.ResumeTTL,
		Factory:     factory.New,
		CacheStats:  met.CacheStatSink(),
		Logger:      logger.With().Str("manager", "github").Logger(),
	})
	return mgr, obs, nil
}

// githubEventFor and githubResultFor bind a Slack progress mirror to
// whichever key a trigger request names, clearing the mirrored
// message once the fetch resolves. Both return nil when obs is nil
// (Slack not configured).
func githubEventFor(obs *slackobs.Observer[githubprov.Progress]) func(string) heavytasks.EventObserver[githubprov.Progress] {
	if obs == nil {
		return nil
	}
	return func(key string) heavytasks.EventObserver[githubprov.Progress] { return obs.ForKey(key) }
}

func githubResultFor(obs *slackobs.Observer[githubprov.Progress]) func(string) heavytasks.ResultCallback[[]githubprov.Comment] {
	if obs == nil {
		return nil
	}
	return func(key string) heavytasks.ResultCallback[[]githubprov.Comment] {
		return func(heavytasks.Outcome[[]githubprov.Comment]) { obs.Forget(key) }
	}
}

// githubWebhookHandler mounts a push-based trigger path alongside the
// REST fetch route: an "opened"/"synchronize"/"reopened" pull request
// webhook starts the same Fetch a caller could otherwise POST for,
// without requiring a poller. Signature verification is skipped
// (logged once) when no webhook secret is configured.
func githubWebhookHandler(cfg *config.Config, mgr *heavytasks.Manager[string, []githubprov.Comment, githubprov.Progress], obs *slackobs.Observer[githubprov.Progress], logger zerolog.Logger) http.Handler {
	if cfg.GitHubWebhookSecret == "" {
		logger.Warn().Msg("GITHUB_WEBHOOK_SECRET not set; webhook signature verification disabled")
	}
	handler := ghclient.NewWebhookHandler(cfg.GitHubWebhookSecret, logger)
	handler.OnPullRequest(func(_ context.Context, event *gogithub.PullRequestEvent) {
		switch event.GetAction() {
		case "opened", "synchronize", "reopened":
		default:
			return
		}
		key := fmt.Sprintf("%s/%s#%d", event.GetRepo().GetOwner().GetLogin(), event.GetRepo().GetName(), event.GetNumber())
		var onEvent heavytasks.EventObserver[githubprov.Progress]
		onResult := func(heavytasks.Outcome[[]githubprov.Comment]) {}
		if obs != nil {
			onEvent = obs.ForKey(key)
			onResult = func(heavytasks.Outcome[[]githubprov.Comment]) { obs.Forget(key) }
		}
		mgr.Fetch(key, onEvent, onResult)
	})
	return handler
}

func buildJiraManager(cfg *config.Config, met *metrics.Metrics, logger zerolog.Logger) (*heavytasks.Manager[string, jiraprov.Issue, jiraprov.Status], error) {
	auth := &jiraclient.BasicAuth{Email: cfg.JiraAPIEmail, APIToken: cfg.JiraAPIToken}
	client := jiraclient.NewClient(cfg.JiraBaseURL, auth, logger)
	factory := &jiraprov.Factory{Client: client, Logger: logger}

	resultCache := cache.New[string, jiraprov.Issue](cfg.CacheSize)
	resumeCache := cache.New[string, []byte](cfg.CacheSize)

	return heavytasks.New(heavytasks.Config[string, jiraprov.Issue, jiraprov.Status]{
		MaxRunning:  cfg.MaxRunning,
		MaxQueueing: cfg.MaxQueueing,
		Priority:    must(cfg.PriorityStrategy()),
		ResultCache: resultCache,
		ResumeCache: resumeCache,
		ResultTTL:   cfg.ResultTTL,
		ResumeTTL:   cfg.ResumeTTL,
		Factory:     factory.New,
		CacheStats:  met.CacheStatSink(),
		Logger:      logger.With().Str("manager", "jira").Logger(),
	}), nil
}

// buildKubeManager builds the log-tailing manager along with an
// internal/k8s.Client sharing the same clientset and namespace
// allow-list, used for the read-only describe/find/events routes that
// don't belong inside the fetch-coordination lifecycle.
func buildKubeManager(cfg *config.Config, met *metrics.Metrics, logger zerolog.Logger) (*heavytasks.Manager[string, string, k8sprov.Progress], *k8sclient.Client, error) {
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{CurrentContext: cfg.KubeContext},
	).ClientConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	allowedNamespaces := cfg.KubeAllowedNamespaceList()
	factory := &k8sprov.Factory{Clientset: clientset, AllowedNamespaces: allowedNamespaces}
	client := k8sclient.NewClientFromInterface(clientset, allowedNamespaces, logger)

	resultCache := cache.New[string, string](cfg.CacheSize)
	resumeCache := cache.New[string, []byte](cfg.CacheSize)

	mgr := heavytasks.New(heavytasks.Config[string, string, k8sprov.Progress]{
		MaxRunning:  cfg.MaxRunning,
		MaxQueueing: cfg.MaxQueueing,
		Priority:    must(cfg.PriorityStrategy()),
		ResultCache: resultCache,
		ResumeCache: resumeCache,
		ResultTTL:   cfg.ResultTTL,
		ResumeTTL:   cfg.ResumeTTL,
		Factory:     factory.New,
		CacheStats:  met.CacheStatSink(),
		Logger:      logger.With().Str("manager", "k8s").Logger(),
	})
	return mgr, client, nil
}

// kubeFindPodsHandler lists pods in a namespace matching an optional
// "selector" query parameter, for diagnosing a fetch before triggering
// a log tail.
func kubeFindPodsHandler(client *k8sclient.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pods, err := client.FindPods(c.Context(), c.Params("namespace"), c.Query("selector"))
		if err != nil {
			return httpapi.ProblemResponse(c, fiber.StatusBadGateway, "k8s_list_failed", "Bad Gateway", err.Error())
		}
		return c.JSON(fiber.Map{"pods": pods})
	}
}

// kubeDescribePodHandler reports a single pod's status and restart count.
func kubeDescribePodHandler(client *k8sclient.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pod, err := client.DescribePod(c.Context(), c.Params("namespace"), c.Params("pod"))
		if err != nil {
			return httpapi.ProblemResponse(c, fiber.StatusBadGateway, "k8s_describe_failed", "Bad Gateway", err.Error())
		}
		return c.JSON(pod)
	}
}

// kubeEventsHandler reports recent Kubernetes events for a pod,
// useful when a log tail alone doesn't explain a restart or eviction.
func kubeEventsHandler(client *k8sclient.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		events, err := client.GetEvents(c.Context(), c.Params("namespace"), c.Params("pod"))
		if err != nil {
			return httpapi.ProblemResponse(c, fiber.StatusBadGateway, "k8s_events_failed", "Bad Gateway", err.Error())
		}
		return c.JSON(fiber.Map{"events": events})
	}
}

func defaultSlackChannel(cfg *config.Config) string {
	channels := cfg.SlackAllowedChannelList()
	if len(channels) == 0 {
		return ""
	}
	return channels[0]
}

func must(p heavytasks.PriorityStrategy, err error) heavytasks.PriorityStrategy {
	if err != nil {
		panic(err)
	}
	return p
}
