// Package analyzer classifies build-failure logs and matches them against
// subscription fix rules.
package analyzer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/jxucoder/autopatch/internal/model"
)

// ErrorType is a build-failure category.
type ErrorType string

const (
	TypeScript ErrorType = "typescript"
	Dependency ErrorType = "dependency"
	Config     ErrorType = "config"
	Runtime    ErrorType = "runtime"
	Build      ErrorType = "build"
	Other      ErrorType = "other"
)

// unmatchedConfidence is reported for logs no family recognizes.
const unmatchedConfidence = 0.1

// families are evaluated in order; on equal hit counts the earlier family wins.
var families = []struct {
	typ      ErrorType
	patterns []*regexp.Regexp
}{
	{TypeScript, compile(
		`error TS\d+:`,
		`Type error:`,
		`is not assignable to (?:type|parameter)`,
		`Cannot find name '[^']+'`,
		`Property '[^']+' does not exist on type`,
		`has no exported member`,
	)},
	{Dependency, compile(
		`Cannot find module ['"][^'"]+['"]`,
		`Module not found: (?:Error: )?Can't resolve`,
		`npm ERR! code (?:ERESOLVE|E404|ETARGET)`,
		`ERR_PNPM_\w+`,
		`Could not resolve dependency`,
		`No matching version found`,
		`404 Not Found - GET`,
		`lockfile (?:is )?(?:out of date|needs to be updated)`,
	)},
	{Config, compile(
		`(?i)environment variable [\w"'` + "`" + `]+ (?:is )?(?:not set|missing|required|undefined)`,
		`(?i)missing required (?:env|environment)`,
		`Invalid (?:next\.config|vercel\.json|configuration)`,
		`No Output Directory named`,
		`Invalid (?:option|value) .* in config`,
		`(?i)api key (?:is )?(?:missing|invalid)`,
	)},
	{Runtime, compile(
		`ReferenceError:`,
		`TypeError:`,
		`Error occurred prerendering page`,
		`Cannot read propert(?:y|ies) of (?:undefined|null)`,
		`\bENOENT\b`,
		`Unhandled(?:Promise)?Rejection`,
		`is not a function`,
	)},
	{Build, compile(
		`Build failed`,
		`Failed to compile`,
		`Command "[^"]+" exited with \d+`,
		`SyntaxError:`,
		`Unexpected token`,
		`error during build`,
		`ELIFECYCLE`,
	)},
}

var fileRef = regexp.MustCompile(`((?:\./)?[\w@./-]+\.(?:tsx?|jsx?|mjs|cjs|vue|svelte|astro|json|css|scss))[:(](\d+)`)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Classification is the analyzer's verdict on a build log.
type Classification struct {
	Type       ErrorType `json:"error_type"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	File       string    `json:"file,omitempty"`
	Line       int       `json:"line,omitempty"`
}

// Classify picks the family with the most pattern hits in text. Confidence
// grows with the winner's hit count and its share of all hits.
func Classify(text string) Classification {
	best, bestHits, total := -1, 0, 0
	for i, f := range families {
		hits := 0
		for _, p := range f.patterns {
			hits += len(p.FindAllStringIndex(text, -1))
		}
		total += hits
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}

	c := Classification{Type: Other, Confidence: unmatchedConfidence}
	if best >= 0 {
		share := float64(bestHits) / float64(total)
		strength := math.Min(float64(bestHits), 4) / 4
		c.Type = families[best].typ
		c.Confidence = math.Round((0.3+0.65*share*strength)*100) / 100
		c.Summary = firstMatchingLine(text, families[best].patterns)
	}
	if c.Summary == "" {
		c.Summary = firstErrorLine(text)
	}
	c.File, c.Line = locate(c.Summary, text)
	return c
}

func firstMatchingLine(text string, patterns []*regexp.Regexp) string {
	for _, line := range strings.Split(text, "\n") {
		for _, p := range patterns {
			if p.MatchString(line) {
				return model.Truncate(line, 300)
			}
		}
	}
	return ""
}

func firstErrorLine(text string) string {
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), "error") {
			return model.Truncate(line, 300)
		}
	}
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			return model.Truncate(line, 300)
		}
	}
	return ""
}

// locate finds the source position nearest the summary, falling back to the
// first one anywhere in the log.
func locate(summary, text string) (string, int) {
	for _, s := range []string{summary, text} {
		if m := fileRef.FindStringSubmatch(s); m != nil {
			line, _ := strconv.Atoi(m[2])
			return strings.TrimPrefix(m[1], "./"), line
		}
	}
	return "", 0
}
