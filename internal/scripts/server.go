package scripts

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"tableauetl/internal/tableau"
)

// withTableau validates the Tableau credentials, builds a client and runs fn
// inside a signed-in session.
func withTableau(ctx context.Context, env Env, fn func(ctx context.Context, c *tableau.Client) error) error {
	creds, err := env.Config.Tableau()
	if err != nil {
		return err
	}
	c, err := env.NewTableau(creds)
	if err != nil {
		return err
	}
	return c.WithSession(ctx, fn)
}

func publishExtract(ctx context.Context, env Env, opt Options) error {
	if err := required("publish_extract", "extract", opt.Extract, "project", opt.Project); err != nil {
		return err
	}
	mode, err := tableau.ParsePublishMode(opt.Mode)
	if err != nil {
		return err
	}
	return withTableau(ctx, env, func(ctx context.Context, c *tableau.Client) error {
		ds, err := c.Publish(ctx, tableau.PublishRequest{
			Path:      opt.Extract,
			ProjectID: opt.Project,
			Name:      opt.DatasourceName,
			Mode:      mode,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "Published datasource %s (%s)\n", ds.Name, ds.ID)
		return nil
	})
}

func refreshDatasource(ctx context.Context, env Env, opt Options) error {
	if err := required("refresh_datasource", "datasource-id", opt.DatasourceID); err != nil {
		return err
	}
	return withTableau(ctx, env, func(ctx context.Context, c *tableau.Client) error {
		job, err := c.RefreshDatasource(ctx, opt.DatasourceID)
		if err != nil {
			return err
		}
		job, err = c.WaitForJob(ctx, job.ID, opt.Timeout)
		if err != nil {
			return err
		}
		if !job.Succeeded() {
			return fmt.Errorf("refresh job %s finished with code %d", job.ID, int64(job.FinishCode))
		}
		fmt.Fprintf(env.Stdout, "Refresh job %s completed at %s\n", job.ID, job.CompletedAt)
		return nil
	})
}

func listResources(ctx context.Context, env Env, opt Options) error {
	resource := strings.ToLower(strings.TrimSpace(opt.Resource))
	if resource == "" {
		resource = "projects"
	}
	var render func(ctx context.Context, c *tableau.Client, t table.Writer) (int, error)
	switch resource {
	case "projects":
		render = renderProjects
	case "datasources":
		render = renderDatasources
	case "workbooks":
		render = renderWorkbooks
	default:
		return fmt.Errorf("list_resources: unknown resource %q (want projects, datasources or workbooks)", opt.Resource)
	}

	return withTableau(ctx, env, func(ctx context.Context, c *tableau.Client) error {
		t := table.NewWriter()
		t.SetOutputMirror(env.Stdout)
		t.Style().Format.Header = text.FormatDefault
		n, err := render(ctx, c, t)
		if err != nil {
			return err
		}
		t.Render()
		env.Logger.Info("Listed resources", "resource", resource, "count", n)
		return nil
	})
}

func renderProjects(ctx context.Context, c *tableau.Client, t table.Writer) (int, error) {
	items, err := c.Projects(ctx)
	if err != nil {
		return 0, err
	}
	t.AppendHeader(table.Row{"ID", "Name", "Parent", "Description"})
	for _, p := range items {
		t.AppendRow(table.Row{p.ID, p.Name, p.ParentProjectID, p.Description})
	}
	return len(items), nil
}

func renderDatasources(ctx context.Context, c *tableau.Client, t table.Writer) (int, error) {
	items, err := c.Datasources(ctx)
	if err != nil {
		return 0, err
	}
	t.AppendHeader(table.Row{"ID", "Name", "Type", "Project", "Updated"})
	for _, d := range items {
		t.AppendRow(table.Row{d.ID, d.Name, d.Type, d.Project.Name, d.UpdatedAt})
	}
	return len(items), nil
}

func renderWorkbooks(ctx context.Context, c *tableau.Client, t table.Writer) (int, error) {
	items, err := c.Workbooks(ctx)
	if err != nil {
		return 0, err
	}
	t.AppendHeader(table.Row{"ID", "Name", "Project", "Updated"})
	for _, w := range items {
		t.AppendRow(table.Row{w.ID, w.Name, w.Project.Name, w.UpdatedAt})
	}
	return len(items), nil
}
