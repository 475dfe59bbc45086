package connect

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// searchPageSize is how many applications one search page requests.
const searchPageSize = 100

// App describes an application on the publishing server.
type App struct {
	ID      int64  `json:"id"`
	GUID    string `json:"guid"`
	Name    string `json:"name"`
	Title   string `json:"title"`
	AppMode int    `json:"app_mode"`
	URL     string `json:"url"`
}

// appPage is one page of search results.
type appPage struct {
	Applications []App  `json:"applications"`
	Count        int    `json:"count"`
	Total        int    `json:"total"`
	Continuation string `json:"continuation"`
}

// GetApp returns information about an application by its numeric ID or GUID.
func (c *Client) GetApp(ctx context.Context, appID string) (*App, error) {
	var app App
	if err := c.get(ctx, "applications/"+appID, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// CreateApp creates a new application with the given name.
func (c *Client) CreateApp(ctx context.Context, name string) (*App, error) {
	var app App
	if err := c.post(ctx, "applications", map[string]string{"name": name}, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// UpdateApp applies the given field updates to an application.
func (c *Client) UpdateApp(ctx context.Context, appID string, updates map[string]interface{}) error {
	return c.post(ctx, "applications/"+appID, updates, nil)
}

// DeleteApp removes an application. Used by run housekeeping to purge content
// left behind by previous integration runs.
func (c *Client) DeleteApp(ctx context.Context, appID string) error {
	return c.do(ctx, "DELETE", "applications/"+appID, nil, nil, nil)
}

// AppConfig returns the configuration information for an application.
func (c *Client) AppConfig(ctx context.Context, appID string) (map[string]interface{}, error) {
	var config map[string]interface{}
	if err := c.get(ctx, "applications/"+appID+"/config", nil, &config); err != nil {
		return nil, err
	}
	return config, nil
}

// SearchOptions controls a paged application search.
type SearchOptions struct {
	// Filters are passed through as query parameters, e.g. "search" or "filter".
	Filters map[string]string
	// Limit caps the number of applications retrieved; 0 means all matches.
	Limit int
	// Mapper optionally transforms or filters each application. Returning nil
	// drops the application from the result.
	Mapper func(*App) *App
}

// SearchApps retrieves all applications matching the given filters, handling
// the server's paging protocol (count/start/continuation).
func (c *Client) SearchApps(ctx context.Context, opts SearchOptions) ([]App, error) {
	query := url.Values{}
	for k, v := range opts.Filters {
		query.Set(k, v)
	}

	pageCount := searchPageSize
	if opts.Limit > 0 && opts.Limit < pageCount {
		pageCount = opts.Limit
	}
	query.Set("count", strconv.Itoa(pageCount))

	var result []App
	totalReturned := 0
	maximum := opts.Limit

	for {
		var page appPage
		if err := c.get(ctx, "applications", query, &page); err != nil {
			return nil, err
		}

		if maximum == 0 {
			maximum = page.Total
		} else if page.Total < maximum {
			maximum = page.Total
		}

		apps := page.Applications
		totalReturned += page.Count
		// If more came back than we need, drop the rest.
		if delta := maximum - totalReturned; delta < 0 {
			if -delta <= len(apps) {
				apps = apps[:len(apps)+delta]
			}
		}

		for i := range apps {
			app := apps[i]
			if opts.Mapper != nil {
				mapped := opts.Mapper(&app)
				if mapped == nil {
					continue
				}
				app = *mapped
			}
			result = append(result, app)
		}

		if totalReturned >= maximum {
			return result, nil
		}

		query = url.Values{}
		query.Set("start", strconv.Itoa(totalReturned))
		query.Set("count", strconv.Itoa(searchPageSize))
		query.Set("cont", page.Continuation)
	}
}

// FindUniqueName polls existing applications for names similar to the given
// one and appends a numeric suffix until the name is unused.
func (c *Client) FindUniqueName(ctx context.Context, name string) (string, error) {
	apps, err := c.SearchApps(ctx, SearchOptions{
		Filters: map[string]string{"search": name},
	})
	if err != nil {
		return "", err
	}

	existing := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		existing[app.Name] = struct{}{}
	}

	if _, taken := existing[name]; !taken {
		return name, nil
	}

	for suffix := 1; ; suffix++ {
		candidate := fmt.Sprintf("%s%d", name, suffix)
		if _, taken := existing[candidate]; !taken {
			return candidate, nil
		}
	}
}
