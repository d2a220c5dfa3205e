package prompt

import (
	"fmt"
	"strings"
)

// UnifiedDiff renders a full-context line diff from a to b under the given
// labels. It returns "" when the texts are equal.
func UnifiedDiff(fromLabel, toLabel, a, b string) string {
	if a == b {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", fromLabel, toLabel)
	for _, e := range lineEdits(strings.Split(a, "\n"), strings.Split(b, "\n")) {
		sb.WriteByte(e.op)
		sb.WriteString(e.line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

type edit struct {
	op   byte // ' ', '-' or '+'
	line string
}

// lineEdits walks the longest common subsequence of a and b so that an
// inserted line does not show every following line as changed.
func lineEdits(a, b []string) []edit {
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}
	out := make([]edit, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, edit{' ', a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, edit{'-', a[i]})
			i++
		default:
			out = append(out, edit{'+', b[j]})
			j++
		}
	}
	for ; i < len(a); i++ {
		out = append(out, edit{'-', a[i]})
	}
	for ; j < len(b); j++ {
		out = append(out, edit{'+', b[j]})
	}
	return out
}

// Diff compares two stored versions of name. Missing versions yield "".
func (s *Store) Diff(name string, v1, v2 int) string {
	p1, ok1 := s.Get(name, v1)
	p2, ok2 := s.Get(name, v2)
	if !ok1 || !ok2 {
		return ""
	}
	return UnifiedDiff(Label(p1), Label(p2), p1.Body, p2.Body)
}

// Label names a stored prompt version, e.g. "portfolio_analyst@v2".
func Label(p Prompt) string {
	return fmt.Sprintf("%s@v%d", p.Name, p.Version)
}
