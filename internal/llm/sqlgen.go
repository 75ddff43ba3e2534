package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/router"
)

// PromptSQL is the Dotprompt used to turn a question into SQL for one
// connection.
const PromptSQL = "sqlgen"

// ErrUnsafeSQL means the generated statement was not a plain SELECT or
// touched a forbidden table.
var ErrUnsafeSQL = errors.New("generated sql rejected")

// SQLGenerator produces SQL from a natural-language question via the
// model, then sanity-checks the statement against the connection's
// descriptor before it ever reaches a connector.
type SQLGenerator struct {
	client *Client
}

// NewSQLGenerator creates a model-backed SQL generator.
func NewSQLGenerator(client *Client) *SQLGenerator {
	return &SQLGenerator{client: client}
}

// Generate returns one SELECT statement for the question.
func (g *SQLGenerator) Generate(ctx context.Context, question string, desc router.Descriptor) (string, error) {
	reply, err := g.client.Complete(ctx, PromptSQL, map[string]any{
		"question":       question,
		"description":    desc.BusinessDescription,
		"allowed_tables": strings.Join(desc.AllowedTables, ", "),
	})
	if err != nil {
		return "", err
	}

	stmt := extractSQL(reply)
	if err := checkSQL(stmt, desc); err != nil {
		return "", err
	}
	return stmt, nil
}

// extractSQL strips code fences and trailing prose from the model reply.
func extractSQL(reply string) string {
	reply = strings.TrimSpace(reply)
	if idx := strings.Index(reply, "```"); idx >= 0 {
		rest := reply[idx+3:]
		rest = strings.TrimPrefix(rest, "sql")
		if end := strings.Index(rest, "```"); end >= 0 {
			reply = rest[:end]
		} else {
			reply = rest
		}
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(reply), ";"))
}

// checkSQL rejects anything but a single SELECT and any statement touching
// a forbidden table or column. The connector enforces read-only at the
// transaction level as well; this check fails earlier and cheaper.
func checkSQL(stmt string, desc router.Descriptor) error {
	lower := strings.ToLower(stmt)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("%w: not a select statement", ErrUnsafeSQL)
	}
	if strings.Contains(lower, ";") {
		return fmt.Errorf("%w: multiple statements", ErrUnsafeSQL)
	}
	for _, banned := range []string{"insert ", "update ", "delete ", "drop ", "alter ", "truncate ", "grant "} {
		if strings.Contains(lower, banned) {
			return fmt.Errorf("%w: contains %q", ErrUnsafeSQL, strings.TrimSpace(banned))
		}
	}
	for _, table := range desc.ForbiddenTables {
		if table != "" && strings.Contains(lower, strings.ToLower(table)) {
			return fmt.Errorf("%w: references forbidden table %s", ErrUnsafeSQL, table)
		}
	}
	for _, column := range desc.ForbiddenColumns {
		if column != "" && strings.Contains(lower, strings.ToLower(column)) {
			return fmt.Errorf("%w: references forbidden column %s", ErrUnsafeSQL, column)
		}
	}
	return nil
}
