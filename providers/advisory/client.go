package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"sbom-orchestrator/core/errors"
	"sbom-orchestrator/core/models"
	"sbom-orchestrator/providers/httpclient"
)

// Client reads advisories from the advisory tool
type Client struct {
	http *httpclient.Client
}

// NewClient creates a new advisory tool client
func NewClient(opts httpclient.Options) *Client {
	if opts.Service == "" {
		opts.Service = "advisory"
	}
	return &Client{http: httpclient.New(opts)}
}

type advisoryResponse struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"advisory_name"`
	Status   string      `json:"status"`
	TextOnly bool        `json:"text_only"`
	Content  struct {
		Notes string `json:"notes"`
	} `json:"content"`
}

type buildsResponse struct {
	Builds []struct {
		ID  json.Number `json:"id"`
		NVR string      `json:"nvr"`
	} `json:"builds"`
}

// GetAdvisory fetches one advisory. A missing advisory yields a NotFoundError.
func (c *Client) GetAdvisory(ctx context.Context, id string) (*models.Advisory, error) {
	var resp advisoryResponse
	if err := c.http.GetJSON(ctx, "get advisory", fmt.Sprintf("/api/v1/advisories/%s", url.PathEscape(id)), &resp); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("advisory", id)
		}
		return nil, err
	}

	advisoryID := resp.ID.String()
	if advisoryID == "" {
		advisoryID = id
	}
	return &models.Advisory{
		ID:       advisoryID,
		Name:     resp.Name,
		Status:   resp.Status,
		TextOnly: resp.TextOnly,
		Notes:    resp.Content.Notes,
	}, nil
}

// GetBuilds lists the build ids attached to an advisory
func (c *Client) GetBuilds(ctx context.Context, id string) ([]string, error) {
	var resp buildsResponse
	if err := c.http.GetJSON(ctx, "get builds", fmt.Sprintf("/api/v1/advisories/%s/builds", url.PathEscape(id)), &resp); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("advisory", id)
		}
		return nil, err
	}

	ids := make([]string, 0, len(resp.Builds))
	for _, b := range resp.Builds {
		if b.ID == "" {
			continue
		}
		ids = append(ids, b.ID.String())
	}
	return ids, nil
}
