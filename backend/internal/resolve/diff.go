package resolve

import (
	"sort"
	"strings"
)

// FieldDiff is one field whose local and server values disagree.
type FieldDiff struct {
	Name   string `json:"name"`
	Local  string `json:"local"`
	Server string `json:"server"`
}

// DiffFields compares two flat field maps. Missing keys read as empty
// strings, so a field absent on one side but blank on the other does
// not count as a difference. Results are sorted by field name.
func DiffFields(local, server map[string]string) []FieldDiff {
	names := make(map[string]struct{}, len(local)+len(server))
	for k := range local {
		names[k] = struct{}{}
	}
	for k := range server {
		names[k] = struct{}{}
	}

	var diffs []FieldDiff
	for name := range names {
		l, s := local[name], server[name]
		if l != s {
			diffs = append(diffs, FieldDiff{Name: name, Local: l, Server: s})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Name < diffs[j].Name })
	return diffs
}

// Token is one whitespace-delimited token of a field value, flagged
// when it disagrees with the peer stream at the same position.
type Token struct {
	Text    string `json:"text"`
	Changed bool   `json:"changed"`
}

// HighlightTokens marks the textual differences between two field
// values for in-place highlighting. Both values are split on
// whitespace and newline boundaries and the token streams are aligned
// positionally: a token is changed wherever the streams disagree at
// that index. This is an approximate diff; an insertion or deletion
// shifts alignment and over-highlights the tail, which is accepted. A
// true sequence-alignment diff can replace this behind the same
// signature.
func HighlightTokens(local, server string) (localOut, serverOut []Token) {
	lt := strings.Fields(local)
	st := strings.Fields(server)

	localOut = make([]Token, len(lt))
	serverOut = make([]Token, len(st))
	for i, tok := range lt {
		localOut[i] = Token{Text: tok, Changed: i >= len(st) || st[i] != tok}
	}
	for i, tok := range st {
		serverOut[i] = Token{Text: tok, Changed: i >= len(lt) || lt[i] != tok}
	}
	return localOut, serverOut
}
