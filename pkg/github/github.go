// Package github fetches MCP server configs published as fluidmcp.json in
// GitHub repositories and turns them into validated server registrations.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/models"
)

// ConfigFileName is the manifest looked up at the repository root.
const ConfigFileName = "fluidmcp.json"

const defaultAPIBaseURL = "https://api.github.com"

// Client fetches server manifests through the GitHub contents API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a GitHub client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultAPIBaseURL,
		logger:     slog.Default(),
	}
}

// SetBaseURL overrides the API endpoint, for GitHub Enterprise deployments.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// contentResponse is the subset of the contents API response we consume.
type contentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// manifest is the fluidmcp.json document shape: either a single config or a
// map of named server configs under "servers".
type manifest struct {
	Servers map[string]models.ServerConfig `json:"servers"`
	models.ServerConfig
}

// FetchConfig downloads fluidmcp.json from repo at branch and returns the
// named server's config. serverName may be empty when the manifest holds a
// single config. token may be empty for public repositories.
//
// The returned config carries provenance but is not yet validated against
// the command allowlist; the caller registers it through the manager.
func (c *Client) FetchConfig(ctx context.Context, repo, branch, serverName, token string) (*models.ServerConfig, error) {
	repo = strings.TrimSuffix(strings.TrimSpace(repo), "/")
	if repo == "" || strings.Count(repo, "/") != 1 {
		return nil, models.NewValidationError("github_repo", "github_repo must be of the form owner/name")
	}
	if branch == "" {
		branch = "main"
	}

	raw, err := c.downloadFile(ctx, repo, branch, ConfigFileName, token)
	if err != nil {
		return nil, err
	}

	var doc manifest
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}

	cfg, err := pickServer(&doc, serverName)
	if err != nil {
		return nil, err
	}

	cfg.Normalize()
	cfg.Source = &models.GitHubSource{
		Source:           "github",
		GitHubRepo:       repo,
		GitHubBranch:     branch,
		GitHubServerName: serverName,
	}
	return cfg, nil
}

// downloadFile fetches one file's bytes via the contents API.
func (c *Client) downloadFile(ctx context.Context, repo, branch, path, token string) ([]byte, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/contents/%s?ref=%s",
		c.baseURL, repo, path, url.QueryEscape(branch))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", path, repo, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s not found in %s@%s", path, repo, branch)
	default:
		return nil, fmt.Errorf("GitHub API returned HTTP %d for %s in %s", resp.StatusCode, path, repo)
	}

	var content contentResponse
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("decode contents response: %w", err)
	}
	if content.Type != "file" {
		return nil, fmt.Errorf("%s in %s is a %s, expected a file", path, repo, content.Type)
	}
	if content.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected content encoding %q", content.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", path, err)
	}
	return data, nil
}

// pickServer resolves which config in the manifest was requested.
func pickServer(doc *manifest, serverName string) (*models.ServerConfig, error) {
	if len(doc.Servers) == 0 {
		if doc.ServerConfig.Command == "" && doc.ServerConfig.MCPConfig == nil {
			return nil, fmt.Errorf("%s declares no servers", ConfigFileName)
		}
		cfg := doc.ServerConfig
		return &cfg, nil
	}

	if serverName == "" {
		if len(doc.Servers) == 1 {
			for name, cfg := range doc.Servers {
				withDefaults(&cfg, name)
				return &cfg, nil
			}
		}
		names := make([]string, 0, len(doc.Servers))
		for name := range doc.Servers {
			names = append(names, name)
		}
		return nil, models.NewValidationError("github_server_name",
			fmt.Sprintf("manifest declares multiple servers, pick one of: %s", strings.Join(names, ", ")))
	}

	cfg, ok := doc.Servers[serverName]
	if !ok {
		return nil, models.NewValidationError("github_server_name",
			fmt.Sprintf("server %q not found in manifest", serverName))
	}
	withDefaults(&cfg, serverName)
	return &cfg, nil
}

// withDefaults fills id and name from the manifest key when absent.
func withDefaults(cfg *models.ServerConfig, name string) {
	if cfg.ID == "" {
		cfg.ID = strings.ToLower(name)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
}
