// Package github is a thin PAT-authenticated client for the handful of
// endpoints the tree cache needs: branch refs, recursive trees, and branch
// comparison.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultAPIBase is the public GitHub REST endpoint.
const DefaultAPIBase = "https://api.github.com"

// APIError mirrors a non-2xx upstream response so callers can surface the
// upstream status.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client talks to the GitHub REST API with a Personal Access Token.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a PAT-based client. An empty apiBase uses the public API.
func NewClient(token, apiBase string) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		token:   token,
		apiBase: apiBase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TreeEntry is one node of a git tree.
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"` // blob | tree
	SHA  string `json:"sha"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Tree is a git tree listing.
type Tree struct {
	SHA       string      `json:"sha"`
	Truncated bool        `json:"truncated"`
	Entries   []TreeEntry `json:"tree"`
}

// CommitInfo is the slice of a commit the cache records.
type CommitInfo struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

// Comparison is the result of comparing two refs.
type Comparison struct {
	Status       string       `json:"status"` // ahead | behind | identical | diverged
	AheadBy      int          `json:"aheadBy"`
	BehindBy     int          `json:"behindBy"`
	TotalCommits int          `json:"totalCommits"`
	Commits      []CommitInfo `json:"commits"`
	Files        []FileDiff   `json:"files"`
}

// FileDiff is one changed file in a comparison.
type FileDiff struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added | removed | modified | renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// GetBranchHead resolves a branch name to its head commit sha.
func (c *Client) GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	var raw struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, url.PathEscape(branch))
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return raw.Commit.SHA, nil
}

// GetTree fetches the tree at a commit sha, recursively when asked.
func (c *Client) GetTree(ctx context.Context, owner, repo, sha string, recursive bool) (*Tree, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/git/trees/%s", owner, repo, sha)
	if recursive {
		endpoint += "?recursive=1"
	}
	tree := &Tree{}
	if err := c.get(ctx, endpoint, tree); err != nil {
		return nil, fmt.Errorf("fetch tree %s: %w", sha, err)
	}
	return tree, nil
}

// Compare compares two refs through the GitHub compare API.
func (c *Client) Compare(ctx context.Context, owner, repo, base, head string) (*Comparison, error) {
	var raw struct {
		Status       string `json:"status"`
		AheadBy      int    `json:"ahead_by"`
		BehindBy     int    `json:"behind_by"`
		TotalCommits int    `json:"total_commits"`
		Commits      []struct {
			SHA    string `json:"sha"`
			Commit struct {
				Message string `json:"message"`
				Author  struct {
					Name string `json:"name"`
					Date string `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"commits"`
		Files []struct {
			Filename  string `json:"filename"`
			Status    string `json:"status"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
		} `json:"files"`
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/compare/%s...%s",
		owner, repo, url.PathEscape(base), url.PathEscape(head))
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("compare %s...%s: %w", base, head, err)
	}

	cmp := &Comparison{
		Status:       raw.Status,
		AheadBy:      raw.AheadBy,
		BehindBy:     raw.BehindBy,
		TotalCommits: raw.TotalCommits,
	}
	for _, rc := range raw.Commits {
		cmp.Commits = append(cmp.Commits, CommitInfo{
			SHA:     rc.SHA,
			Message: rc.Commit.Message,
			Author:  rc.Commit.Author.Name,
			Date:    rc.Commit.Author.Date,
		})
	}
	for _, rf := range raw.Files {
		cmp.Files = append(cmp.Files, FileDiff{
			Path:      rf.Filename,
			Status:    rf.Status,
			Additions: rf.Additions,
			Deletions: rf.Deletions,
		})
	}
	return cmp, nil
}

func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+endpoint, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
