package buildsystem

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sbom-orchestrator/providers/httpclient"
)

// Options configures the build system client
type Options struct {
	HTTP      httpclient.Options
	CacheSize int
	CacheTTL  time.Duration
}

// Client maps build ids to container image references. Resolved images are
// cached; builds without an image are looked up again on the next call.
type Client struct {
	http  *httpclient.Client
	cache *expirable.LRU[string, string]
}

// NewClient creates a new build system client
func NewClient(opts Options) *Client {
	if opts.HTTP.Service == "" {
		opts.HTTP.Service = "buildsystem"
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	return &Client{
		http:  httpclient.New(opts.HTTP),
		cache: expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
	}
}

type imagesRequest struct {
	BuildIDs []string `json:"build_ids"`
}

type imagesResponse struct {
	Images map[string]string `json:"images"`
}

// ResolveImages returns the image reference of every build that has one
func (c *Client) ResolveImages(ctx context.Context, buildIDs []string) (map[string]string, error) {
	images := make(map[string]string, len(buildIDs))
	var missing []string
	for _, id := range buildIDs {
		if ref, ok := c.cache.Get(id); ok {
			images[id] = ref
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return images, nil
	}

	var resp imagesResponse
	if err := c.http.PostJSON(ctx, "resolve images", "/api/v1/builds/images", imagesRequest{BuildIDs: missing}, &resp); err != nil {
		return nil, err
	}
	for _, id := range missing {
		ref, ok := resp.Images[id]
		if !ok || ref == "" {
			continue
		}
		images[id] = ref
		c.cache.Add(id, ref)
	}
	return images, nil
}
