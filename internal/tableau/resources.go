package tableau

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Int decodes JSON numbers and numeric strings. The REST API serialises
// most numeric attributes as strings.
type Int int64

func (n *Int) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("tableau: bad integer %s", b)
	}
	*n = Int(v)
	return nil
}

// Pagination is the paging block of a listing response.
type Pagination struct {
	PageNumber     Int `json:"pageNumber"`
	PageSize       Int `json:"pageSize"`
	TotalAvailable Int `json:"totalAvailable"`
}

// Ref is an {id, name} reference to another resource.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Project struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	ParentProjectID    string `json:"parentProjectId"`
	ContentPermissions string `json:"contentPermissions"`
	CreatedAt          string `json:"createdAt"`
	UpdatedAt          string `json:"updatedAt"`
}

type Datasource struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	ContentURL string `json:"contentUrl"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	Project    Ref    `json:"project"`
	Owner      Ref    `json:"owner"`
}

type Workbook struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ContentURL string `json:"contentUrl"`
	WebpageURL string `json:"webpageUrl"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	Project    Ref    `json:"project"`
	Owner      Ref    `json:"owner"`
}

// PageFunc fetches one page of a listing.
type PageFunc[T any] func(ctx context.Context, pageNumber, pageSize int) ([]T, Pagination, error)

// ListAll fetches pages of pageSize starting at page 1 and accumulates items
// until the accumulated count reaches the server's totalAvailable.
//
// Edge cases:
//   - an empty page stops the loop even when the total has not been
//     reached (items deleted while paging), with a warning on log.
//   - pageSize <= 0 means DefaultPageSize.
func ListAll[T any](ctx context.Context, log *slog.Logger, pageSize int, fetch PageFunc[T]) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var items []T
	for page := 1; ; page++ {
		chunk, p, err := fetch(ctx, page, pageSize)
		if err != nil {
			return items, fmt.Errorf("page %d: %w", page, err)
		}
		items = append(items, chunk...)
		if int64(p.TotalAvailable) <= int64(len(items)) {
			return items, nil
		}
		if len(chunk) == 0 {
			if log != nil {
				log.Warn("Listing stopped on an empty page before reaching the reported total",
					"page", page, "collected", len(items), "total_available", int64(p.TotalAvailable))
			}
			return items, nil
		}
	}
}

// Projects lists every project on the site.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	return ListAll(ctx, c.log, c.opts.PageSize, listPage[Project](c, "projects", "project"))
}

// Datasources lists every published datasource on the site.
func (c *Client) Datasources(ctx context.Context) ([]Datasource, error) {
	return ListAll(ctx, c.log, c.opts.PageSize, listPage[Datasource](c, "datasources", "datasource"))
}

// Workbooks lists every workbook on the site.
func (c *Client) Workbooks(ctx context.Context) ([]Workbook, error) {
	return ListAll(ctx, c.log, c.opts.PageSize, listPage[Workbook](c, "workbooks", "workbook"))
}

// listPage reads {"pagination": {...}, "<plural>": {"<singular>": [...]}}.
func listPage[T any](c *Client, plural, singular string) PageFunc[T] {
	return func(ctx context.Context, pageNumber, pageSize int) ([]T, Pagination, error) {
		var p Pagination
		path, err := c.sitePath(plural)
		if err != nil {
			return nil, p, err
		}
		q := url.Values{}
		q.Set("pageSize", strconv.Itoa(pageSize))
		q.Set("pageNumber", strconv.Itoa(pageNumber))

		var raw map[string]json.RawMessage
		if err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), plural, nil, "", &raw); err != nil {
			return nil, p, err
		}
		if b, ok := raw["pagination"]; ok {
			if err := json.Unmarshal(b, &p); err != nil {
				return nil, p, fmt.Errorf("decode pagination: %w", err)
			}
		}
		var wrap map[string][]T
		if b, ok := raw[plural]; ok {
			if err := json.Unmarshal(b, &wrap); err != nil {
				return nil, p, fmt.Errorf("decode %s: %w", plural, err)
			}
		}
		return wrap[singular], p, nil
	}
}
