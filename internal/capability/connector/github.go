package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const githubAPIBase = "https://api.github.com"

// GitHub implements Connector against the GitHub REST v3 API using a plain
// *http.Client — the pack carries no VCS-host SDK, so this talks the wire
// protocol directly rather than fabricating a dependency that does not
// exist in it.
type GitHub struct {
	token  string
	client *http.Client
	base   string
}

// NewGitHub constructs a GitHub connector authenticated with a personal
// access token or installation token.
func NewGitHub(token string) *GitHub {
	return &GitHub{token: token, client: http.DefaultClient, base: githubAPIBase}
}

func (g *GitHub) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, reader)
	if err != nil {
		return fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("github: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("github: decode response: %w", err)
		}
	}
	return nil
}

func splitRepository(repo string) (owner, name string) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return repo, ""
	}
	return parts[0], parts[1]
}

func (g *GitHub) Comment(ctx context.Context, in CommentInput) (Result, error) {
	owner, name := splitRepository(in.Target.Repository)
	issueNum := in.Target.IssueNum
	if issueNum == 0 {
		issueNum = in.Target.PRNumber
	}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, name, issueNum)
	if err := g.do(ctx, http.MethodPost, path, map[string]string{"body": in.Body}, &out); err != nil {
		return Result{}, err
	}
	return Result{Reference: out.HTMLURL}, nil
}

func (g *GitHub) CreateBranch(ctx context.Context, in BranchInput) (Result, error) {
	owner, name := splitRepository(in.Target.Repository)
	base := in.BaseRef
	if base == "" {
		base = "main"
	}
	var baseRef struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, name, base), nil, &baseRef); err != nil {
		return Result{}, fmt.Errorf("resolve base ref %s: %w", base, err)
	}
	var out struct {
		Ref string `json:"ref"`
	}
	payload := map[string]string{"ref": "refs/heads/" + in.BranchName, "sha": baseRef.Object.SHA}
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", owner, name), payload, &out); err != nil {
		return Result{}, err
	}
	return Result{Reference: out.Ref}, nil
}

// PushCommit applies one Contents-API write per file rather than building a
// git tree/commit by hand — the canonical bytes the stage proposes are
// already a flat path-to-content map, which is exactly what that endpoint
// takes.
func (g *GitHub) PushCommit(ctx context.Context, in CommitInput) (Result, error) {
	owner, name := splitRepository(in.Target.Repository)
	var lastRef string
	for path, content := range in.Files {
		payload := map[string]string{
			"message": in.Message,
			"content": base64.StdEncoding.EncodeToString(content),
			"branch":  in.BranchName,
		}
		var out struct {
			Commit struct {
				SHA string `json:"sha"`
			} `json:"commit"`
		}
		escaped := strings.ReplaceAll(path, " ", "%20")
		if err := g.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/contents/%s", owner, name, escaped), payload, &out); err != nil {
			return Result{}, fmt.Errorf("push %s: %w", path, err)
		}
		lastRef = out.Commit.SHA
	}
	return Result{Reference: lastRef}, nil
}

func (g *GitHub) OpenPR(ctx context.Context, in PullRequestInput) (Result, error) {
	owner, name := splitRepository(in.Target.Repository)
	base := in.BaseBranch
	if base == "" {
		base = "main"
	}
	payload := map[string]string{"title": in.Title, "body": in.Body, "head": in.HeadBranch, "base": base}
	var out struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, name), payload, &out); err != nil {
		return Result{}, err
	}
	return Result{Reference: out.HTMLURL}, nil
}

func (g *GitHub) UpdatePR(ctx context.Context, prNumber int, in PullRequestInput) (Result, error) {
	owner, name := splitRepository(in.Target.Repository)
	payload := map[string]string{"title": in.Title, "body": in.Body}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	if err := g.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, name, prNumber), payload, &out); err != nil {
		return Result{}, err
	}
	return Result{Reference: out.HTMLURL}, nil
}

func (g *GitHub) Merge(ctx context.Context, prNumber int, in MergeInput) (Result, error) {
	owner, name := splitRepository(in.Target.Repository)
	method := in.Method
	if method == "" {
		method = "merge"
	}
	payload := map[string]string{"merge_method": method}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := g.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, name, prNumber), payload, &out); err != nil {
		return Result{}, err
	}
	return Result{Reference: out.SHA}, nil
}

var _ Connector = (*GitHub)(nil)
