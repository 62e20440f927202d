package engine

import "strings"

// likeEscaper rewrites the LIKE wildcards so a search term matches
// literally. The escape character itself is rewritten first.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes %, _, and \ in term for use as a LIKE pattern
// fragment. Queries using the result must carry an ESCAPE '\' clause.
// Escaping is mandatory for every substring search: a literal % in a
// search term matches only a literal %, never "anything".
func EscapeLike(term string) string {
	return likeEscaper.Replace(term)
}

// LikeContains builds a substring-match LIKE pattern for term,
// escaped for use with ESCAPE '\'.
func LikeContains(term string) string {
	return "%" + EscapeLike(term) + "%"
}
