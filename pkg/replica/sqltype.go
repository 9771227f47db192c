package replica

import (
	"strings"
	"unicode"
)

// SQLType is a coarse classification of a statement.
type SQLType int

const (
	SQLUnknown SQLType = iota
	SQLWrite
	SQLReadOnly
)

func (t SQLType) String() string {
	switch t {
	case SQLWrite:
		return "write"
	case SQLReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

var writeKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "upsert": {},
	"create": {}, "alter": {}, "drop": {}, "truncate": {}, "rename": {},
	"grant": {}, "revoke": {}, "comment": {}, "copy": {}, "call": {}, "do": {},
	"lock": {}, "vacuum": {}, "analyze": {}, "reindex": {}, "cluster": {},
	"refresh": {}, "notify": {}, "listen": {}, "unlisten": {}, "prepare": {},
	"execute": {}, "deallocate": {}, "discard": {}, "reset": {},
}

var readKeywords = map[string]struct{}{
	"select": {}, "with": {}, "show": {}, "explain": {}, "table": {}, "values": {},
}

var dataModifyingWords = []string{"insert", "update", "delete", "merge"}

var lockSuffixes = []string{
	"for update",
	"for no key update",
	"for share",
	"for key share",
}

// Classify judges whether sql writes, only reads, or cannot be told apart.
func Classify(sql string) SQLType {
	s := normalizeSQL(sql)
	if s == "" || IsSet(s) {
		return SQLUnknown
	}
	if IsSelectForUpdate(s) {
		return SQLWrite
	}
	words := sqlWords(s)
	first := words[0]
	if _, ok := writeKeywords[first]; ok {
		return SQLWrite
	}
	if _, ok := readKeywords[first]; !ok {
		return SQLUnknown
	}
	switch first {
	case "explain":
		if len(words) > 1 && (words[1] == "analyze" || words[1] == "analyse") {
			return SQLWrite
		}
	case "with":
		for _, w := range words[1:] {
			for _, dm := range dataModifyingWords {
				if w == dm {
					return SQLWrite
				}
			}
		}
	case "select":
		if hasSelectInto(words) {
			return SQLWrite
		}
	}
	if IsFunctionCall(s) {
		return SQLWrite
	}
	return SQLReadOnly
}

// IsWrite reports whether sql must go to the main database because it writes.
func IsWrite(sql string) bool { return Classify(sql) == SQLWrite }

// IsUpdate reports whether sql is an UPDATE statement.
func IsUpdate(sql string) bool { return hasKeywordPrefix(sql, "update") }

// IsDelete reports whether sql is a DELETE statement.
func IsDelete(sql string) bool { return hasKeywordPrefix(sql, "delete") }

// IsInsert reports whether sql is an INSERT statement.
func IsInsert(sql string) bool { return hasKeywordPrefix(sql, "insert") }

// IsSet reports whether sql changes a session setting.
func IsSet(sql string) bool { return hasKeywordPrefix(sql, "set") }

// IsSelectForUpdate reports whether sql takes row locks.
func IsSelectForUpdate(sql string) bool {
	s := normalizeSQL(sql)
	if s == "" {
		return false
	}
	s = strings.TrimSuffix(s, " nowait")
	s = strings.TrimSuffix(s, " skip locked")
	for _, suffix := range lockSuffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
		// FOR UPDATE OF t1, t2
		if i := strings.LastIndex(s, suffix+" of "); i >= 0 && !strings.Contains(s[i+len(suffix):], "(") {
			return true
		}
	}
	return false
}

// IsFunctionCall reports whether sql may invoke a function outside of its
// WHERE clause. Functions can have side effects, so such calls go to main.
// Parentheses that follow a keyword (subqueries, IN lists, CTE bodies) do
// not count.
func IsFunctionCall(sql string) bool {
	s := normalizeSQL(sql)
	if s == "" {
		return false
	}
	head := s
	if i := strings.Index(s, "where"); i >= 0 {
		head = s[:i]
	}
	for i := 0; i < len(head); i++ {
		if head[i] != '(' {
			continue
		}
		word := strings.TrimRight(head[:i], " ")
		j := len(word)
		for j > 0 && isWordRune(rune(word[j-1])) {
			j--
		}
		name := word[j:]
		if name == "" {
			continue
		}
		if _, ok := parenKeywords[name]; !ok {
			return true
		}
	}
	return false
}

// parenKeywords may be followed by "(" without calling a function.
var parenKeywords = map[string]struct{}{
	"as": {}, "in": {}, "exists": {}, "any": {}, "all": {}, "some": {},
	"values": {}, "using": {}, "on": {}, "and": {}, "or": {}, "not": {},
	"from": {}, "join": {}, "select": {}, "over": {}, "filter": {},
	"within": {}, "lateral": {}, "union": {}, "intersect": {}, "except": {},
	"distinct": {}, "materialized": {}, "by": {}, "into": {}, "table": {},
	"with": {}, "recursive": {}, "then": {}, "else": {}, "when": {},
}

func hasKeywordPrefix(sql, keyword string) bool {
	s := normalizeSQL(sql)
	if !strings.HasPrefix(s, keyword) {
		return false
	}
	rest := s[len(keyword):]
	return rest == "" || !isWordRune(rune(rest[0]))
}

func hasSelectInto(words []string) bool {
	for i, w := range words {
		if w == "from" {
			return false
		}
		if w == "into" && i > 0 {
			return true
		}
	}
	return false
}

// normalizeSQL lowercases sql and strips comments, surrounding whitespace
// and trailing semicolons. Inner whitespace runs collapse to a single space
// so suffix checks are stable.
func normalizeSQL(sql string) string {
	s := strings.TrimRight(stripComments(sql), "; \t\r\n")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// stripComments replaces -- and /* */ comments outside quoted literals and
// identifiers with a space. An unterminated comment runs to the end.
func stripComments(sql string) string {
	if !strings.Contains(sql, "--") && !strings.Contains(sql, "/*") {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql))
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				return b.String()
			}
			i += j
			c = ' '
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			j := strings.Index(sql[i+2:], "*/")
			if j < 0 {
				return b.String()
			}
			i += j + 3
			c = ' '
		}
		b.WriteByte(c)
	}
	return b.String()
}

func sqlWords(s string) []string {
	words := strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) })
	if len(words) == 0 {
		return []string{""}
	}
	return words
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
