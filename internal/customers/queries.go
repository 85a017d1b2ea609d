package customers

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// loadQueries parses every embedded .sql file into one dotsql set.
func loadQueries() (*dotsql.DotSql, error) {
	var combined strings.Builder

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}

		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		combined.Write(content)
		combined.WriteString("\n")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}
	return dot, nil
}

// expand renders a named query with its {{.name}} markers filled in. Markers
// carry SQL generated from the field registry or a compiled filter, never user
// input.
func expand(dot *dotsql.DotSql, name string, vars map[string]string) (string, error) {
	query, err := dot.WithData(vars).Raw(name)
	if err != nil {
		return "", fmt.Errorf("failed to render query %s: %w", name, err)
	}
	if strings.Contains(query, "<no value>") {
		return "", fmt.Errorf("query %s has unexpanded markers", name)
	}
	return query, nil
}
