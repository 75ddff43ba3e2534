package llm

import (
	"errors"
	"testing"

	"github.com/quarrylabs/quarry/internal/router"
)

func TestExtractSQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"bare statement", "SELECT 1", "SELECT 1"},
		{"trailing semicolon", "SELECT 1;", "SELECT 1"},
		{"whitespace", "  SELECT 1  \n", "SELECT 1"},
		{
			"fenced",
			"```sql\nSELECT count(*) FROM orders\n```",
			"SELECT count(*) FROM orders",
		},
		{
			"fenced with prose",
			"Here is the query:\n```sql\nSELECT 1\n```\nLet me know if you need more.",
			"SELECT 1",
		},
		{
			"unterminated fence",
			"```sql\nSELECT 1",
			"SELECT 1",
		},
		{
			"fence without language tag",
			"```\nSELECT 1\n```",
			"SELECT 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := extractSQL(tt.reply); got != tt.want {
				t.Errorf("extractSQL(%q) = %q, want %q", tt.reply, got, tt.want)
			}
		})
	}
}

func TestCheckSQL(t *testing.T) {
	t.Parallel()

	desc := router.Descriptor{
		ForbiddenTables:  []string{"salaries"},
		ForbiddenColumns: []string{"ssn"},
	}

	tests := []struct {
		name    string
		stmt    string
		wantErr bool
	}{
		{"plain select", "SELECT id FROM orders LIMIT 10", false},
		{"cte", "WITH t AS (SELECT 1) SELECT * FROM t", false},
		{"insert", "INSERT INTO orders VALUES (1)", true},
		{"delete disguised", "SELECT 1 WHERE EXISTS (DELETE FROM orders)", true},
		{"multiple statements", "SELECT 1; DROP TABLE orders", true},
		{"forbidden table", "SELECT * FROM salaries", true},
		{"forbidden column", "SELECT ssn FROM people", true},
		{"not sql at all", "I cannot answer that", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := checkSQL(tt.stmt, desc)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsafeSQL) {
					t.Errorf("checkSQL(%q) = %v, want ErrUnsafeSQL", tt.stmt, err)
				}
				return
			}
			if err != nil {
				t.Errorf("checkSQL(%q) = %v", tt.stmt, err)
			}
		})
	}
}

func TestParseScoreMap(t *testing.T) {
	t.Parallel()

	t.Run("bare object", func(t *testing.T) {
		t.Parallel()
		scores, err := parseScoreMap(`{"sales": 0.9, "hr": 0.1}`)
		if err != nil {
			t.Fatal(err)
		}
		if scores["sales"] != 0.9 || scores["hr"] != 0.1 {
			t.Errorf("scores = %v", scores)
		}
	})

	t.Run("surrounded by prose and fences", func(t *testing.T) {
		t.Parallel()
		scores, err := parseScoreMap("Sure, here you go:\n```json\n{\"sales\": 0.5}\n```")
		if err != nil {
			t.Fatal(err)
		}
		if scores["sales"] != 0.5 {
			t.Errorf("scores = %v", scores)
		}
	})

	t.Run("no object", func(t *testing.T) {
		t.Parallel()
		if _, err := parseScoreMap("I cannot rate these connections."); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()
		if _, err := parseScoreMap(`{"sales": "high"}`); err == nil {
			t.Error("expected error")
		}
	})
}
