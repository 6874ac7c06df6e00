// Package binaryregistry implements the Binary Registry:
// installing, resolving, uninstalling, and update-checking
// UUID-identified inference-server binaries. Identifiers come from
// google/uuid; installs report progress through
// schollz/progressbar/v3.
package binaryregistry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/hutch/pkg/herrors"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	githubAPIReleasesURL = "https://api.github.com/repos/ggml-org/llama.cpp/releases"
	userAgent            = "hutch/1.0"
)

// GitHubClient fetches release metadata for the upstream artifact host.
type GitHubClient struct {
	HTTPClient *http.Client
}

func NewGitHubClient(timeout time.Duration) *GitHubClient {
	return &GitHubClient{HTTPClient: &http.Client{Timeout: timeout}}
}

type releasePayload struct {
	TagName         string  `json:"tag_name"`
	PublishedAt     string  `json:"published_at"`
	TargetCommitish string  `json:"target_commitish"`
	HTMLURL         string  `json:"html_url"`
	Assets          []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

func (c *GitHubClient) fetch(url string) (*releasePayload, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if token := os.Getenv("HUTCH_GITHUB_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindTransport, "github request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			resetAt := time.Time{}
			if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
				if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
					resetAt = time.Unix(sec, 0)
				}
			}
			return nil, herrors.NewRateLimitError(resetAt)
		}
		return nil, herrors.New(herrors.KindTransport, "github access forbidden")
	}
	if resp.StatusCode >= 400 {
		return nil, herrors.New(herrors.KindTransport, fmt.Sprintf("github api error: status %d", resp.StatusCode))
	}

	var payload releasePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, herrors.Wrap(herrors.KindTransport, "decode github response", err)
	}
	return &payload, nil
}

// ResolveLatestVersion returns the latest release's tag.
func (c *GitHubClient) ResolveLatestVersion() (string, error) {
	payload, err := c.fetch(githubAPIReleasesURL + "/latest")
	if err != nil {
		return "", err
	}
	return payload.TagName, nil
}

// ReleaseInfo returns structured release metadata for tag ("latest" is
// accepted and resolved).
func (c *GitHubClient) ReleaseInfo(tag string) (*types.GitHubReleaseInfo, error) {
	url := githubAPIReleasesURL + "/tags/" + tag
	if tag == "latest" {
		url = githubAPIReleasesURL + "/latest"
	}
	payload, err := c.fetch(url)
	if err != nil {
		return nil, err
	}

	var published time.Time
	if payload.PublishedAt != "" {
		published, _ = time.Parse(time.RFC3339, payload.PublishedAt)
	}

	return &types.GitHubReleaseInfo{
		Tag:         payload.TagName,
		PublishedAt: published,
		Commit:      payload.TargetCommitish,
		URL:         payload.HTMLURL,
	}, nil
}

// AssetURL returns the exact asset download URL for (tag, variant) if the
// release lists one, else the templated URL built by BuildDownloadURL.
func (c *GitHubClient) AssetURL(tag, variant string) (string, error) {
	url := githubAPIReleasesURL + "/tags/" + tag
	if tag == "latest" {
		url = githubAPIReleasesURL + "/latest"
	}
	payload, err := c.fetch(url)
	if err != nil {
		return BuildDownloadURL(tag, variant), nil
	}

	expected := fmt.Sprintf("llama-%s-bin-%s%s", payload.TagName, variant, archiveExtension(variant))
	for _, a := range payload.Assets {
		if a.Name == expected {
			return a.BrowserDownloadURL, nil
		}
	}
	return BuildDownloadURL(payload.TagName, variant), nil
}

// archiveExtension picks the archive format by variant: `.zip` for Windows
// variants, `.tar.gz` otherwise.
func archiveExtension(variant string) string {
	if len(variant) >= 4 && variant[:4] == "win-" {
		return ".zip"
	}
	return ".tar.gz"
}

// BuildDownloadURL templates the download URL from version and variant.
func BuildDownloadURL(version, variant string) string {
	return fmt.Sprintf(
		"https://github.com/ggml-org/llama.cpp/releases/download/%s/llama-%s-bin-%s%s",
		version, version, variant, archiveExtension(variant),
	)
}
