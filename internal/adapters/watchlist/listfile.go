// Package watchlist loads the user-maintained ignore and watch lists.
// List files are data, never code: parsing only ever produces strings
// placed into lookup sets, so there is no path by which file contents
// could be executed.
package watchlist

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/swamppop/chasingyourtail/internal/core/domain"
)

// Line is one physical line of a list file, kept verbatim so the file
// can be written back without losing comments or blank lines.
type Line struct {
	Raw   string
	Entry *domain.ListEntry // nil for comments, blanks, and malformed lines
}

// ListFile is a parsed list file. Lines preserves the original file
// order and text.
type ListFile struct {
	Path  string
	Lines []Line
}

// LoadListFile parses the file at path, one identifier per line with
// '#' comments and blank lines skipped. Malformed lines fail open: each
// produces a ListParseError in the returned slice and the line is kept
// verbatim but yields no entry.
func LoadListFile(path string, kind domain.ListKind) (*ListFile, []*domain.ListParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	lf := &ListFile{Path: path}
	var parseErrs []*domain.ListParseError

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := Line{Raw: raw}

		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lf.Lines = append(lf.Lines, line)
			continue
		}
		// Trailing comments after the identifier.
		if i := strings.Index(trimmed, "#"); i >= 0 {
			trimmed = strings.TrimSpace(trimmed[:i])
		}

		entry, err := parseEntry(trimmed, kind)
		if err != nil {
			parseErrs = append(parseErrs, &domain.ListParseError{
				File: path, Line: lineNo, Text: raw, Err: err,
			})
			lf.Lines = append(lf.Lines, line)
			continue
		}
		line.Entry = &entry
		lf.Lines = append(lf.Lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, parseErrs, err
	}
	return lf, parseErrs, nil
}

func parseEntry(text string, kind domain.ListKind) (domain.ListEntry, error) {
	switch kind {
	case domain.KindMac:
		mac, err := domain.NormalizeMAC(text)
		if err != nil {
			return domain.ListEntry{}, err
		}
		return domain.ListEntry{Value: string(mac), Kind: domain.KindMac}, nil
	case domain.KindSsid:
		// SSIDs are matched case-insensitively; fold once at parse time.
		return domain.ListEntry{Value: strings.ToLower(text), Kind: domain.KindSsid}, nil
	default:
		return domain.ListEntry{}, fmt.Errorf("unknown list kind %q", kind)
	}
}

// Entries returns the successfully parsed entries in file order.
func (lf *ListFile) Entries() []domain.ListEntry {
	var out []domain.ListEntry
	for _, l := range lf.Lines {
		if l.Entry != nil {
			out = append(out, *l.Entry)
		}
	}
	return out
}

// Set returns the entry values as a lookup set.
func (lf *ListFile) Set() map[string]struct{} {
	set := make(map[string]struct{})
	for _, l := range lf.Lines {
		if l.Entry != nil {
			set[l.Entry.Value] = struct{}{}
		}
	}
	return set
}

// Save writes the file back verbatim, comments and blank lines intact.
func (lf *ListFile) Save(path string) error {
	var b strings.Builder
	for _, l := range lf.Lines {
		b.WriteString(l.Raw)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
