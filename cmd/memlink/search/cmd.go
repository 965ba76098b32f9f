// Package searchcmd implements the `memlink search` command.
package searchcmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-ports/memlink/cmd/memlink/shared"
	"github.com/go-ports/memlink/internal/memoryapi"
)

// Command implements `memlink search`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	limit    int
	here     bool
	project  string
	category string
	asJSON   bool
}

// New creates the search command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "search <query>",
		Short: "Search the remote memory service",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}

	f := c.cmd.Flags()
	f.IntVar(&c.limit, "limit", 5, "Maximum number of results")
	f.BoolVar(&c.here, "here", false, "Filter to current project (current directory name)")
	f.StringVar(&c.project, "project", "", "Filter by project name")
	f.StringVar(&c.category, "category", "",
		"Filter by category: "+strings.Join(memoryapi.ValidCategories, ", "))
	f.BoolVar(&c.asJSON, "json", false, "Print results as JSON")

	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	project := c.project
	if c.here && project == "" {
		if cwd, err := os.Getwd(); err == nil {
			project = filepath.Base(cwd)
		}
	}

	api, err := c.ctx.MemoryAPI()
	if err != nil {
		return err
	}
	results, err := api.Search(cmd.Context(), memoryapi.Query{
		Text:     args[0],
		Limit:    c.limit,
		Project:  project,
		Category: c.category,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if c.asJSON {
		if results == nil {
			results = []memoryapi.Memory{}
		}
		return shared.Print(out, results, true)
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	fmt.Fprintf(out, "\n Results (%d found) \n", len(results))
	for i, r := range results {
		src := ""
		if r.Source != "" {
			src = " | " + r.Source
		}
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Format("2006-01-02")
		}

		fmt.Fprintf(out, "\n [%d] %s (score: %.2f)\n", i+1, r.Title, r.Score)
		fmt.Fprintf(out, "     %s | %s | %s%s\n", r.Category, created, r.Project, src)
		fmt.Fprintf(out, "     What: %s\n", r.What)
		if r.Why != "" {
			fmt.Fprintf(out, "     Why: %s\n", r.Why)
		}
		if r.Impact != "" {
			fmt.Fprintf(out, "     Impact: %s\n", r.Impact)
		}
		if len(r.Tags) > 0 {
			fmt.Fprintf(out, "     Tags: %s\n", strings.Join(r.Tags, ", "))
		}
	}
	return nil
}
