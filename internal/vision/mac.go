package vision

import (
	"regexp"
	"strings"
)

var (
	// aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff, one or two digits per group.
	macSeparated = regexp.MustCompile(`(?i)^` + strings.Repeat(`([0-9A-F]{1,2})[:\-]`, 5) + `([0-9A-F]{1,2})$`)
	// aabbccddeeff
	macContiguous = regexp.MustCompile(`(?i)^` + strings.Repeat(`([0-9A-F]{2})`, 6) + `$`)
)

// ExtractMACAddresses returns the MAC-address-shaped candidates in line,
// normalized to colon-separated groups with case preserved. The separated
// form is tried first.
func ExtractMACAddresses(line string) []string {
	line = strings.TrimSuffix(line, "\n")
	for _, re := range []*regexp.Regexp{macSeparated, macContiguous} {
		matches := re.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			out = append(out, strings.Join(m[1:], ":"))
		}
		return out
	}
	return nil
}

// MACResult scans each text line and builds the MAC Addresses block.
func MACResult(lines []string) Result {
	res := Result{Kind: KindMAC, Lines: []string{"\n**MAC Addresses:**"}}
	for _, line := range lines {
		for _, mac := range ExtractMACAddresses(line) {
			res.Lines = append(res.Lines, "* "+mac)
		}
	}
	return res
}

// TextLines returns the descriptions of the text annotations in r.
func TextLines(r *AnnotateResponse) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.TextAnnotations))
	for _, t := range r.TextAnnotations {
		out = append(out, t.Description)
	}
	return out
}
