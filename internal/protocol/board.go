package protocol

import (
	"strconv"
	"strings"
)

// BoardRow is one line of a leaderboard as the client displays it
type BoardRow struct {
	Place int
	Time  float64
	Name  string
}

// FormatBoard renders rows as the column dictionary the client expects:
// {'place': [1, 2], 'time': [61.2, 70.0], 'name': ['a', 'b']}. An empty
// board is {}.
func FormatBoard(rows []BoardRow) string {
	if len(rows) == 0 {
		return "{}"
	}
	places := make([]string, len(rows))
	times := make([]string, len(rows))
	names := make([]string, len(rows))
	for i, r := range rows {
		places[i] = strconv.Itoa(r.Place)
		times[i] = FormatFloat(r.Time)
		names[i] = quote(Sanitize(r.Name))
	}

	var b strings.Builder
	b.WriteString("{'place': [")
	b.WriteString(strings.Join(places, ", "))
	b.WriteString("], 'time': [")
	b.WriteString(strings.Join(times, ", "))
	b.WriteString("], 'name': [")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("]}")
	return b.String()
}

// FormatFloat prints v in its shortest form, always keeping a fractional
// part so integral values read as 70.0 rather than 70.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// quote wraps s in single quotes unless it contains one and no double
// quote, matching how the client's parser expects names to be delimited.
func quote(s string) string {
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		return `"` + strings.ReplaceAll(s, `\`, `\\`) + `"`
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}
