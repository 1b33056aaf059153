package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// GitLabConfig configures the GitLab provider. No GitLab SDK appears in
// the retrieved example corpus, so this provider speaks the REST v4 API
// directly over the shared httpkit-backed client (SPEC_FULL.md "Domain
// stack").
type GitLabConfig struct {
	Token         Secret
	WebhookSecret Secret
	BaseURL       string // e.g. "https://gitlab.com"
	Projects      []string
	PollingInterval      time.Duration
	InitialLookbackHours int
	BotIdentities        BotIdentities
}

// GitLab implements Provider for GitLab merge requests and issues.
type GitLab struct {
	cfg    GitLabConfig
	logger *slog.Logger

	client *http.Client
	token  string
	secret string

	mu      sync.Mutex
	cursors map[string]time.Time
}

// NewGitLab creates a GitLab provider.
func NewGitLab(cfg GitLabConfig, logger *slog.Logger) *GitLab {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gitlab.com"
	}
	if cfg.InitialLookbackHours <= 0 {
		cfg.InitialLookbackHours = 1
	}
	return &GitLab{cfg: cfg, logger: logger, cursors: make(map[string]time.Time)}
}

// Metadata implements Provider.
func (g *GitLab) Metadata() Metadata {
	return Metadata{Name: "gitlab", Pollable: true}
}

// Init implements Provider.
func (g *GitLab) Init(ctx context.Context) error {
	token, err := g.cfg.Token.Resolve()
	if err != nil {
		return fmt.Errorf("gitlab: resolve token: %w", err)
	}
	secret, err := g.cfg.WebhookSecret.Resolve()
	if err != nil {
		return fmt.Errorf("gitlab: resolve webhook secret: %w", err)
	}
	g.token = token
	g.secret = secret
	g.client = NewAPIClient("watcher-gitlab/1.0")
	return nil
}

// ValidateWebhook implements Provider: token-compare envelope via the
// X-Gitlab-Token header (spec.md §6.2).
func (g *GitLab) ValidateWebhook(headers http.Header, body, rawBody []byte) error {
	return verifyTokenCompare(g.secret, headers.Get("X-Gitlab-Token"))
}

type gitlabWebhook struct {
	ObjectKind string `json:"object_kind"`
	EventType  string `json:"event_type"`
	User       struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID                int    `json:"id"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		ID           int64  `json:"id"`
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		State        string `json:"state"`
		Action       string `json:"action"`
		URL          string `json:"url"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Note         string `json:"note"`
	} `json:"object_attributes"`
	MergeRequest *struct {
		IID   int    `json:"iid"`
		Title string `json:"title"`
		State string `json:"state"`
		URL   string `json:"url"`
	} `json:"merge_request"`
	Issue *struct {
		IID   int    `json:"iid"`
		Title string `json:"title"`
		State string `json:"state"`
		URL   string `json:"url"`
	} `json:"issue"`
}

// HandleWebhook implements Provider.
func (g *GitLab) HandleWebhook(ctx context.Context, headers http.Header, body []byte, emit EmitFunc) error {
	var payload gitlabWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("gitlab: unmarshal payload: %w", err)
	}

	event, number, err := g.normalize(payload)
	if err != nil {
		g.logger.Debug("gitlab: webhook event not handled", "object_kind", payload.ObjectKind, "error", err)
		return nil
	}

	if !shouldProcess(event, true) {
		return nil
	}

	reactor := g.newReactor(event.Resource.Repository, number)
	emit(ctx, event, reactor)
	return nil
}

func (g *GitLab) normalize(p gitlabWebhook) (NormalizedEvent, int, error) {
	repo := p.Project.PathWithNamespace
	actor := Actor{Username: p.User.Username}
	now := time.Now().UTC().Format(time.RFC3339)

	switch p.ObjectKind {
	case "note":
		var number int
		var typ string
		switch {
		case p.MergeRequest != nil:
			number, typ = p.MergeRequest.IID, "merge_request"
		case p.Issue != nil:
			number, typ = p.Issue.IID, "issue"
		default:
			return NormalizedEvent{}, 0, fmt.Errorf("note payload missing merge_request/issue")
		}
		return NormalizedEvent{
			ID:       fmt.Sprintf("gitlab:%s:commented:%d:%d", repo, number, p.ObjectAttributes.ID),
			Provider: "gitlab",
			Type:     typ,
			Action:   "commented",
			Resource: Resource{
				Number:     number,
				Repository: repo,
				Comment: &Comment{
					Body:   p.ObjectAttributes.Note,
					Author: p.User.Username,
				},
			},
			Actor:    actor,
			Metadata: map[string]any{"timestamp": now},
			Raw:      p,
		}, number, nil

	case "merge_request":
		return NormalizedEvent{
			ID:       fmt.Sprintf("gitlab:%s:%s:%d:%d", repo, p.ObjectAttributes.Action, p.ObjectAttributes.IID, p.ObjectAttributes.ID),
			Provider: "gitlab",
			Type:     "merge_request",
			Action:   p.ObjectAttributes.Action,
			Resource: Resource{
				Number:      p.ObjectAttributes.IID,
				Title:       p.ObjectAttributes.Title,
				Description: p.ObjectAttributes.Description,
				URL:         p.ObjectAttributes.URL,
				State:       p.ObjectAttributes.State,
				Repository:  repo,
				Branch:      p.ObjectAttributes.SourceBranch,
				MergeTo:     p.ObjectAttributes.TargetBranch,
			},
			Actor:    actor,
			Metadata: map[string]any{"timestamp": now},
			Raw:      p,
		}, p.ObjectAttributes.IID, nil

	case "issue":
		return NormalizedEvent{
			ID:       fmt.Sprintf("gitlab:%s:%s:%d:%d", repo, p.ObjectAttributes.Action, p.ObjectAttributes.IID, p.ObjectAttributes.ID),
			Provider: "gitlab",
			Type:     "issue",
			Action:   p.ObjectAttributes.Action,
			Resource: Resource{
				Number:      p.ObjectAttributes.IID,
				Title:       p.ObjectAttributes.Title,
				Description: p.ObjectAttributes.Description,
				URL:         p.ObjectAttributes.URL,
				State:       p.ObjectAttributes.State,
				Repository:  repo,
			},
			Actor:    actor,
			Metadata: map[string]any{"timestamp": now},
			Raw:      p,
		}, p.ObjectAttributes.IID, nil

	default:
		return NormalizedEvent{}, 0, fmt.Errorf("unhandled object_kind %q", p.ObjectKind)
	}
}

type gitlabMergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	State        string `json:"state"`
	WebURL       string `json:"web_url"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	Author       struct {
		Username string `json:"username"`
	} `json:"author"`
	UpdatedAt time.Time `json:"updated_at"`
}

type gitlabNote struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Poll implements Provider: fetches merge requests updated since the
// per-project cursor.
func (g *GitLab) Poll(ctx context.Context, emit EmitFunc) error {
	for _, project := range g.cfg.Projects {
		if err := g.pollProject(ctx, project, emit); err != nil {
			return fmt.Errorf("gitlab: poll %s: %w", project, err)
		}
	}
	return nil
}

func (g *GitLab) pollProject(ctx context.Context, project string, emit EmitFunc) error {
	since := g.cursorFor(project)
	now := time.Now().UTC()

	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests?updated_after=%s&per_page=100",
		g.cfg.BaseURL, url.PathEscape(project), url.QueryEscape(since.Format(time.RFC3339)))

	req, err := JSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("PRIVATE-TOKEN", g.token)

	var mrs []gitlabMergeRequest
	if _, err := DoJSON(ctx, g.client, req, DefaultRetryConfig(g.logger), &mrs); err != nil {
		return fmt.Errorf("list merge requests: %w", err)
	}

	for _, mr := range mrs {
		hasActivity := g.hasRecentHumanActivity(ctx, project, mr.IID)

		event := NormalizedEvent{
			ID:       fmt.Sprintf("gitlab:%s:poll:%d:%d", project, mr.IID, now.Unix()),
			Provider: "gitlab",
			Type:     "merge_request",
			Action:   "poll",
			Resource: Resource{
				Number:      mr.IID,
				Title:       mr.Title,
				Description: mr.Description,
				URL:         mr.WebURL,
				State:       mr.State,
				Repository:  project,
				Author:      mr.Author.Username,
				Branch:      mr.SourceBranch,
				MergeTo:     mr.TargetBranch,
			},
			Actor:    Actor{Username: mr.Author.Username},
			Metadata: map[string]any{"timestamp": now.Format(time.RFC3339), "polled": true},
			Raw:      mr,
		}

		if !shouldProcess(event, hasActivity) {
			continue
		}

		reactor := g.newReactor(project, mr.IID)
		emit(ctx, event, reactor)
	}

	g.setCursor(project, now)
	return nil
}

const gitlabRecentNoteLimit = 5

func (g *GitLab) hasRecentHumanActivity(ctx context.Context, project string, iid int) bool {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%d/notes?order_by=created_at&sort=desc&per_page=%d",
		g.cfg.BaseURL, url.PathEscape(project), iid, gitlabRecentNoteLimit)

	req, err := JSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return true
	}
	req.Header.Set("PRIVATE-TOKEN", g.token)

	var notes []gitlabNote
	if _, err := DoJSON(ctx, g.client, req, DefaultRetryConfig(g.logger), &notes); err != nil {
		g.logger.Warn("gitlab: failed to check recent activity, assuming active", "project", project, "iid", iid, "error", err)
		return true
	}
	return len(notes) > 0
}

func (g *GitLab) cursorFor(project string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.cursors[project]; ok {
		return t
	}
	return time.Now().Add(-time.Duration(g.cfg.InitialLookbackHours) * time.Hour)
}

func (g *GitLab) setCursor(project string, t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursors[project] = t
}

// Shutdown implements Provider.
func (g *GitLab) Shutdown(ctx context.Context) error { return nil }

func (g *GitLab) newReactor(project string, iid int) Reactor {
	return &gitlabReactor{
		client:  g.client,
		baseURL: g.cfg.BaseURL,
		token:   g.token,
		project: project,
		iid:     iid,
		bots:    g.cfg.BotIdentities,
		logger:  g.logger,
	}
}

type gitlabReactor struct {
	client  *http.Client
	baseURL string
	token   string
	project string
	iid     int
	bots    BotIdentities
	logger  *slog.Logger
}

func (r *gitlabReactor) LastComment(ctx context.Context) *LastComment {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%d/notes?order_by=created_at&sort=desc&per_page=1",
		r.baseURL, url.PathEscape(r.project), r.iid)

	req, err := JSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("PRIVATE-TOKEN", r.token)

	var notes []gitlabNote
	if _, err := DoJSON(ctx, r.client, req, DefaultRetryConfig(r.logger), &notes); err != nil {
		r.logger.Warn("gitlab reactor: last comment lookup failed", "project", r.project, "iid", r.iid, "error", err)
		return nil
	}
	if len(notes) == 0 {
		return nil
	}
	return &LastComment{Author: notes[0].Author.Username, Body: notes[0].Body}
}

func (r *gitlabReactor) PostComment(ctx context.Context, body string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%d/notes", r.baseURL, url.PathEscape(r.project), r.iid)

	req, err := JSONRequest(ctx, http.MethodPost, endpoint, map[string]string{"body": body})
	if err != nil {
		return "", err
	}
	req.Header.Set("PRIVATE-TOKEN", r.token)

	var note gitlabNote
	if _, err := DoJSON(ctx, r.client, req, DefaultRetryConfig(r.logger), &note); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	return strconv.FormatInt(note.ID, 10), nil
}

func (r *gitlabReactor) IsBotAuthor(name string) bool {
	return r.bots.Is(name)
}
