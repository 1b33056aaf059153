package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// linearAPIURL is Linear's single GraphQL endpoint; there is no REST
// surface, so every call this provider makes is a GraphQL POST.
const linearAPIURL = "https://api.linear.app/graphql"

// LinearConfig configures the Linear provider. No Linear SDK appears in
// the retrieved example corpus, so this provider hand-rolls GraphQL
// requests over the shared httpkit-backed client.
type LinearConfig struct {
	APIKey        Secret
	WebhookSecret Secret
	TeamKeys      []string
	PollingInterval      time.Duration
	InitialLookbackHours int
	BotIdentities        BotIdentities
}

// Linear implements Provider for Linear issues.
type Linear struct {
	cfg    LinearConfig
	logger *slog.Logger

	client *http.Client
	apiKey string
	secret string

	mu      sync.Mutex
	cursors map[string]time.Time
}

// NewLinear creates a Linear provider.
func NewLinear(cfg LinearConfig, logger *slog.Logger) *Linear {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialLookbackHours <= 0 {
		cfg.InitialLookbackHours = 1
	}
	return &Linear{cfg: cfg, logger: logger, cursors: make(map[string]time.Time)}
}

// Metadata implements Provider.
func (l *Linear) Metadata() Metadata {
	return Metadata{Name: "linear", Pollable: true}
}

// Init implements Provider.
func (l *Linear) Init(ctx context.Context) error {
	apiKey, err := l.cfg.APIKey.Resolve()
	if err != nil {
		return fmt.Errorf("linear: resolve api key: %w", err)
	}
	secret, err := l.cfg.WebhookSecret.Resolve()
	if err != nil {
		return fmt.Errorf("linear: resolve webhook secret: %w", err)
	}
	l.apiKey = apiKey
	l.secret = secret
	l.client = NewAPIClient("watcher-linear/1.0")
	return nil
}

// ValidateWebhook implements Provider: bare-hex HMAC envelope via the
// Linear-Signature header (spec.md §6.2).
func (l *Linear) ValidateWebhook(headers http.Header, body, rawBody []byte) error {
	return verifyBareHex(l.secret, headers.Get("Linear-Signature"), rawBody)
}

type linearWebhook struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID          string `json:"id"`
		Identifier  string `json:"identifier"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Team        struct {
			Key string `json:"key"`
		} `json:"team"`
		State struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"state"`
		Creator struct {
			Name string `json:"name"`
		} `json:"creator"`
		Body    string `json:"body"`
		User    *struct {
			Name string `json:"name"`
		} `json:"user"`
		Issue *struct {
			ID         string `json:"id"`
			Identifier string `json:"identifier"`
		} `json:"issue"`
	} `json:"data"`
	UpdatedFrom map[string]any `json:"updatedFrom"`
}

// HandleWebhook implements Provider.
func (l *Linear) HandleWebhook(ctx context.Context, headers http.Header, body []byte, emit EmitFunc) error {
	var payload linearWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("linear: unmarshal payload: %w", err)
	}

	event, identifier, err := l.normalize(payload)
	if err != nil {
		l.logger.Debug("linear: webhook event not handled", "type", payload.Type, "error", err)
		return nil
	}

	if !shouldProcess(event, true) {
		return nil
	}

	reactor := l.newReactor(identifier)
	emit(ctx, event, reactor)
	return nil
}

func (l *Linear) normalize(p linearWebhook) (NormalizedEvent, string, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	switch p.Type {
	case "Issue":
		id := fmt.Sprintf("linear:%s:%s:%s:%d", p.Data.Team.Key, p.Action, p.Data.ID, time.Now().Unix())
		return NormalizedEvent{
			ID:       id,
			Provider: "linear",
			Type:     "issue",
			Action:   p.Action,
			Resource: Resource{
				Title:       p.Data.Title,
				Description: p.Data.Description,
				URL:         p.Data.URL,
				State:       p.Data.State.Type,
				Repository:  p.Data.Team.Key,
				Author:      p.Data.Creator.Name,
			},
			Actor:    Actor{Username: p.Data.Creator.Name},
			Metadata: map[string]any{"timestamp": now, "identifier": p.Data.Identifier},
			Raw:      p,
		}, p.Data.Identifier, nil

	case "Comment":
		if p.Data.Issue == nil {
			return NormalizedEvent{}, "", fmt.Errorf("comment payload missing issue")
		}
		author := ""
		if p.Data.User != nil {
			author = p.Data.User.Name
		}
		id := fmt.Sprintf("linear:%s:commented:%s:%d", p.Data.Issue.Identifier, p.Data.ID, time.Now().Unix())
		return NormalizedEvent{
			ID:       id,
			Provider: "linear",
			Type:     "issue",
			Action:   "commented",
			Resource: Resource{
				Repository: p.Data.Issue.Identifier,
				Comment: &Comment{
					Body:   p.Data.Body,
					Author: author,
				},
			},
			Actor:    Actor{Username: author},
			Metadata: map[string]any{"timestamp": now},
			Raw:      p,
		}, p.Data.Issue.Identifier, nil

	default:
		return NormalizedEvent{}, "", fmt.Errorf("unhandled linear webhook type %q", p.Type)
	}
}

type linearGraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type linearGraphQLErrors []struct {
	Message string `json:"message"`
}

type linearIssueNode struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	UpdatedAt   time.Time `json:"updatedAt"`
	State       struct {
		Type string `json:"type"`
	} `json:"state"`
	Creator struct {
		Name string `json:"name"`
	} `json:"creator"`
}

const linearIssuesQuery = `
query RecentIssues($teamKey: String!, $since: DateTimeOrDuration!) {
  issues(filter: { team: { key: { eq: $teamKey } }, updatedAt: { gt: $since } }, first: 100) {
    nodes {
      id
      identifier
      title
      description
      url
      updatedAt
      state { type }
      creator { name }
    }
  }
}`

type linearIssuesResponse struct {
	Data struct {
		Issues struct {
			Nodes []linearIssueNode `json:"nodes"`
		} `json:"issues"`
	} `json:"data"`
	Errors linearGraphQLErrors `json:"errors"`
}

// Poll implements Provider: queries issues updated since the
// per-team cursor.
func (l *Linear) Poll(ctx context.Context, emit EmitFunc) error {
	for _, team := range l.cfg.TeamKeys {
		if err := l.pollTeam(ctx, team, emit); err != nil {
			return fmt.Errorf("linear: poll %s: %w", team, err)
		}
	}
	return nil
}

func (l *Linear) pollTeam(ctx context.Context, team string, emit EmitFunc) error {
	since := l.cursorFor(team)
	now := time.Now().UTC()

	var resp linearIssuesResponse
	if err := l.graphQL(ctx, linearIssuesQuery, map[string]any{
		"teamKey": team,
		"since":   since.Format(time.RFC3339),
	}, &resp); err != nil {
		return fmt.Errorf("query issues: %w", err)
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	for _, issue := range resp.Data.Issues.Nodes {
		hasActivity := l.hasRecentHumanActivity(ctx, issue.ID)

		event := NormalizedEvent{
			ID:       fmt.Sprintf("linear:%s:poll:%s:%d", team, issue.Identifier, now.Unix()),
			Provider: "linear",
			Type:     "issue",
			Action:   "poll",
			Resource: Resource{
				Title:       issue.Title,
				Description: issue.Description,
				URL:         issue.URL,
				State:       issue.State.Type,
				Repository:  team,
				Author:      issue.Creator.Name,
			},
			Actor:    Actor{Username: issue.Creator.Name},
			Metadata: map[string]any{"timestamp": now.Format(time.RFC3339), "polled": true, "identifier": issue.Identifier},
			Raw:      issue,
		}

		if !shouldProcess(event, hasActivity) {
			continue
		}

		reactor := l.newReactor(issue.Identifier)
		emit(ctx, event, reactor)
	}

	l.setCursor(team, now)
	return nil
}

const linearCommentsQuery = `
query RecentComments($issueId: String!) {
  issue(id: $issueId) {
    comments(first: 5, orderBy: createdAt) {
      nodes {
        id
        body
        user { name }
      }
    }
  }
}`

type linearCommentNode struct {
	ID   string `json:"id"`
	Body string `json:"body"`
	User *struct {
		Name string `json:"name"`
	} `json:"user"`
}

type linearCommentsResponse struct {
	Data struct {
		Issue struct {
			Comments struct {
				Nodes []linearCommentNode `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	} `json:"data"`
	Errors linearGraphQLErrors `json:"errors"`
}

func (l *Linear) hasRecentHumanActivity(ctx context.Context, issueID string) bool {
	var resp linearCommentsResponse
	if err := l.graphQL(ctx, linearCommentsQuery, map[string]any{"issueId": issueID}, &resp); err != nil {
		l.logger.Warn("linear: failed to check recent activity, assuming active", "issue_id", issueID, "error", err)
		return true
	}
	return len(resp.Data.Issue.Comments.Nodes) > 0
}

const linearCreateCommentMutation = `
mutation PostComment($issueId: String!, $body: String!) {
  commentCreate(input: { issueId: $issueId, body: $body }) {
    success
    comment { id }
  }
}`

type linearCreateCommentResponse struct {
	Data struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	} `json:"data"`
	Errors linearGraphQLErrors `json:"errors"`
}

// graphQL performs a single GraphQL POST against the Linear API.
func (l *Linear) graphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	req, err := JSONRequest(ctx, http.MethodPost, linearAPIURL, linearGraphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", l.apiKey)

	_, err = DoJSON(ctx, l.client, req, DefaultRetryConfig(l.logger), out)
	return err
}

func (l *Linear) cursorFor(team string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.cursors[team]; ok {
		return t
	}
	return time.Now().Add(-time.Duration(l.cfg.InitialLookbackHours) * time.Hour)
}

func (l *Linear) setCursor(team string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursors[team] = t
}

// Shutdown implements Provider.
func (l *Linear) Shutdown(ctx context.Context) error { return nil }

func (l *Linear) newReactor(issueIdentifier string) Reactor {
	return &linearReactor{linear: l, issueIdentifier: issueIdentifier}
}

// linearReactor resolves the issue's UUID lazily since webhook/poll
// payloads surface the human-readable identifier (e.g. "ENG-123") while
// mutations require the underlying UUID.
type linearReactor struct {
	linear          *Linear
	issueIdentifier string

	mu sync.Mutex
	id string
}

const linearResolveIDQuery = `
query ResolveIssue($identifier: String!) {
  issue(id: $identifier) {
    id
  }
}`

func (r *linearReactor) resolveID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return r.id, nil
	}
	var resp struct {
		Data struct {
			Issue struct {
				ID string `json:"id"`
			} `json:"issue"`
		} `json:"data"`
		Errors linearGraphQLErrors `json:"errors"`
	}
	if err := r.linear.graphQL(ctx, linearResolveIDQuery, map[string]any{"identifier": r.issueIdentifier}, &resp); err != nil {
		return "", err
	}
	if len(resp.Errors) > 0 {
		return "", fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	r.id = resp.Data.Issue.ID
	return r.id, nil
}

func (r *linearReactor) LastComment(ctx context.Context) *LastComment {
	id, err := r.resolveID(ctx)
	if err != nil {
		r.linear.logger.Warn("linear reactor: resolve issue id failed", "identifier", r.issueIdentifier, "error", err)
		return nil
	}
	var resp linearCommentsResponse
	if err := r.linear.graphQL(ctx, linearCommentsQuery, map[string]any{"issueId": id}, &resp); err != nil {
		r.linear.logger.Warn("linear reactor: last comment lookup failed", "identifier", r.issueIdentifier, "error", err)
		return nil
	}
	nodes := resp.Data.Issue.Comments.Nodes
	if len(nodes) == 0 {
		return nil
	}
	last := nodes[len(nodes)-1]
	author := ""
	if last.User != nil {
		author = last.User.Name
	}
	return &LastComment{Author: author, Body: last.Body}
}

func (r *linearReactor) PostComment(ctx context.Context, body string) (string, error) {
	id, err := r.resolveID(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	var resp linearCreateCommentResponse
	if err := r.linear.graphQL(ctx, linearCreateCommentMutation, map[string]any{"issueId": id, "body": body}, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	if len(resp.Errors) > 0 || !resp.Data.CommentCreate.Success {
		return "", fmt.Errorf("%w: graphql reported failure", ErrPostFailed)
	}
	return resp.Data.CommentCreate.Comment.ID, nil
}

func (r *linearReactor) IsBotAuthor(name string) bool {
	return r.linear.cfg.BotIdentities.Is(name)
}
