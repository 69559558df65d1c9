package relstore

import (
	"fmt"
	"strings"
)

// KeywordSearch returns note IDs matching query, best match first — the K
// leaf of Hybrid Search (spec.md §4.N). Uses the FTS5 index when available
// (ranked by bm25, which rewards rarer-term matches), falling back to a
// LIKE-based term-count ranking otherwise, mirroring the teacher's
// KeywordSearch fallback posture in internal/store/search.go.
func (db *DB) KeywordSearch(query string, limit int) ([]string, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	if db.ftsAvailable {
		return db.keywordSearchFTS(query, limit)
	}
	return db.keywordSearchLike(query, limit)
}

func (db *DB) keywordSearchFTS(query string, limit int) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT id FROM notes_fts
		WHERE notes_fts MATCH ?
		ORDER BY bm25(notes_fts)
		LIMIT ?`, ftsMatchQuery(query), limit)
	if err != nil {
		// A malformed MATCH expression (stray FTS5 syntax in user input)
		// degrades to the LIKE fallback rather than surfacing a query error.
		return db.keywordSearchLike(query, limit)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ftsMatchQuery turns free text into an FTS5 MATCH expression that ORs
// together each term, quoting terms so punctuation can't break the query
// grammar.
func ftsMatchQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (db *DB) keywordSearchLike(query string, limit int) ([]string, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var matchExprs []string
	var conditions []string
	var scoreArgs, condArgs []interface{}
	for _, term := range terms {
		pattern := "%" + term + "%"
		matchExprs = append(matchExprs, "(CASE WHEN LOWER(title) LIKE ? OR LOWER(body) LIKE ? THEN 1 ELSE 0 END)")
		scoreArgs = append(scoreArgs, pattern, pattern)
		conditions = append(conditions, "(LOWER(title) LIKE ? OR LOWER(body) LIKE ?)")
		condArgs = append(condArgs, pattern, pattern)
	}
	scoreExpr := strings.Join(matchExprs, " + ")

	args := append([]interface{}{}, condArgs...)
	args = append(args, scoreArgs...)
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id FROM notes
		WHERE deleted = 0 AND (%s)
		ORDER BY (%s) DESC, updated_at DESC
		LIMIT ?`, strings.Join(conditions, " OR "), scoreExpr)

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search (like fallback): %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
