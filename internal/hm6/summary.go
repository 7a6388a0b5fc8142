package hm6

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

var (
	// A synthesis block starts after a marker, which may follow a log
	// prefix, and runs to the next line holding "===" or the end of output.
	synthesisMarkerRe = regexp.MustCompile(`=== HM6 SYNTHESIS ===|# HM6 SYNTHESIS:`)
	bannerLineRe      = regexp.MustCompile(`(?m)^.*===`)

	totalTokensRe    = regexp.MustCompile(`Total tokens: (\S+)`)
	processingTimeRe = regexp.MustCompile(`Processing time: ([0-9][0-9.]*)s`)
	foundationIDRe   = regexp.MustCompile(`Using foundation: (pA\d+)`)
)

// ExtractSynthesis returns the text of the last synthesis block without its
// marker. With no marker, the whole output is the synthesis: output is never
// dropped.
func ExtractSynthesis(output string) string {
	locs := synthesisMarkerRe.FindAllStringIndex(output, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(output)
	}
	body := output[locs[len(locs)-1][1]:]
	if end := bannerLineRe.FindStringIndex(body); end != nil {
		body = body[:end[0]]
	}
	return strings.TrimSpace(body)
}

// ExtractMetadata pulls the summary scalars. Each is optional; a value that
// does not parse is left unset rather than failing the whole summary. When a
// field repeats, the last occurrence wins since the summary trails the run.
func ExtractMetadata(output string) session.Metadata {
	var md session.Metadata

	if v, ok := lastSubmatch(totalTokensRe, output); ok {
		if n, err := strconv.Atoi(v); err == nil {
			md.TotalTokens = &n
		}
	}
	if v, ok := lastSubmatch(processingTimeRe, output); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			ms := secs * 1000
			md.ProcessingTime = &ms
		}
	}
	if v, ok := lastSubmatch(foundationIDRe, output); ok {
		md.Foundation = v
	}
	return md
}

func lastSubmatch(re *regexp.Regexp, s string) (string, bool) {
	all := re.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return "", false
	}
	return all[len(all)-1][1], true
}
