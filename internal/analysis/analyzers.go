// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
)

// The built-in analysis types.
const (
	TypeCodeQuality     = "code-quality"
	TypeSecurity        = "security"
	TypePerformance     = "performance"
	TypeArchitecture    = "architecture"
	TypeTechstack       = "techstack"
	TypeRecommendations = "recommendations"
)

// DefaultAnalyzers returns the built-in analyzer set, all backed by
// the same scanner.
func DefaultAnalyzers(scanner *Scanner) []Analyzer {
	return []Analyzer{
		&codeQualityAnalyzer{scanner: scanner},
		&securityAnalyzer{scanner: scanner},
		&performanceAnalyzer{scanner: scanner},
		&architectureAnalyzer{scanner: scanner},
		&techstackAnalyzer{scanner: scanner},
		&recommendationsAnalyzer{scanner: scanner},
	}
}

func chunkFiles(files []File, size int) [][]File {
	if len(files) == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	return lo.Chunk(files, size)
}

func progressOf(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := lo.Keys(set)
	slices.Sort(keys)
	return keys
}

var codeExtensions = map[string]struct{}{
	".go": {}, ".js": {}, ".jsx": {}, ".ts": {}, ".tsx": {}, ".py": {},
	".rb": {}, ".rs": {}, ".java": {}, ".kt": {}, ".php": {}, ".cs": {},
	".c": {}, ".h": {}, ".cpp": {}, ".hpp": {}, ".swift": {}, ".scala": {},
	".sh": {}, ".sql": {}, ".vue": {}, ".svelte": {},
}

func isCode(rel string) bool {
	_, ok := codeExtensions[strings.ToLower(path.Ext(rel))]
	return ok
}

const longLineLimit = 120

// codeQualityAnalyzer streams code files line by line, counting size
// and hygiene signals.
type codeQualityAnalyzer struct{ scanner *Scanner }

func (a *codeQualityAnalyzer) Type() string { return TypeCodeQuality }

func (a *codeQualityAnalyzer) Analyze(ctx context.Context, scope Scope, emit Emit) error {
	all, report, err := a.scanner.List(ctx, scope.Path)
	if err != nil {
		return err
	}
	files := lo.Filter(all, func(f File, _ int) bool { return isCode(f.Rel) })

	var lines, longLines, todos, unreadable int
	done := 0
	batches := chunkFiles(files, scope.BatchSize)
	for _, batch := range batches {
		for _, f := range batch {
			if err := a.scanner.StreamLines(ctx, f.Path, func(line []byte) error {
				lines++
				if len(line) > longLineLimit {
					longLines++
				}
				if bytes.Contains(line, []byte("TODO")) || bytes.Contains(line, []byte("FIXME")) {
					todos++
				}
				return nil
			}); err != nil {
				if ctx.Err() != nil {
					return err
				}
				unreadable++
			}
		}
		done += len(batch)
		if err := emit(progressOf(done, len(files)), map[string]any{
			"files":      len(files),
			"lines":      lines,
			"longLines":  longLines,
			"todos":      todos,
			"unreadable": unreadable,
			"violations": report.Violations,
		}); err != nil {
			return err
		}
	}
	if len(batches) == 0 {
		return emit(1, map[string]any{
			"files":      0,
			"lines":      0,
			"longLines":  0,
			"todos":      0,
			"violations": report.Violations,
		})
	}
	return nil
}

var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"hardcoded-password", regexp.MustCompile(`(?i)password\s*[:=]\s*["'][^"']{4,}["']`)},
	{"api-key", regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*["'][^"']{8,}["']`)},
	{"aws-access-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"private-key", regexp.MustCompile(`-----BEGIN (RSA|EC|OPENSSH|DSA) PRIVATE KEY-----`)},
	{"bearer-token", regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/-]{20,}`)},
}

const maxFindings = 200

// Finding is one security hit, pointing at a line in the scanned tree.
type Finding struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Kind string `json:"kind"`
}

func securityScannable(rel string) bool {
	if isCode(rel) {
		return true
	}
	switch strings.ToLower(path.Ext(rel)) {
	case ".json", ".yaml", ".yml", ".toml", ".ini", ".env", ".properties", ".conf":
		return true
	}
	return strings.HasPrefix(path.Base(rel), ".env")
}

// securityAnalyzer looks for committed secrets and tracked env files.
type securityAnalyzer struct{ scanner *Scanner }

func (a *securityAnalyzer) Type() string { return TypeSecurity }

func (a *securityAnalyzer) Analyze(ctx context.Context, scope Scope, emit Emit) error {
	all, _, err := a.scanner.List(ctx, scope.Path)
	if err != nil {
		return err
	}

	var findings []Finding
	for _, f := range all {
		if base := path.Base(f.Rel); base == ".env" || strings.HasPrefix(base, ".env.") {
			findings = append(findings, Finding{Path: f.Rel, Kind: "env-file-tracked"})
		}
	}

	files := lo.Filter(all, func(f File, _ int) bool { return securityScannable(f.Rel) })
	done := 0
	batches := chunkFiles(files, scope.BatchSize)
	for _, batch := range batches {
		for _, f := range batch {
			lineNo := 0
			if err := a.scanner.StreamLines(ctx, f.Path, func(line []byte) error {
				lineNo++
				if len(findings) >= maxFindings {
					return nil
				}
				for _, p := range secretPatterns {
					if p.re.Match(line) {
						findings = append(findings, Finding{Path: f.Rel, Line: lineNo, Kind: p.kind})
						break
					}
				}
				return nil
			}); err != nil {
				if ctx.Err() != nil {
					return err
				}
			}
		}
		done += len(batch)
		if err := emit(progressOf(done, len(files)), map[string]any{
			"findings":     slices.Clone(findings),
			"findingCount": len(findings),
			"filesScanned": done,
		}); err != nil {
			return err
		}
	}
	if len(batches) == 0 {
		return emit(1, map[string]any{
			"findings":     slices.Clone(findings),
			"findingCount": len(findings),
			"filesScanned": 0,
		})
	}
	return nil
}

// performanceAnalyzer sizes the tree and ranks its heaviest files.
type performanceAnalyzer struct{ scanner *Scanner }

func (a *performanceAnalyzer) Type() string { return TypePerformance }

func (a *performanceAnalyzer) Analyze(ctx context.Context, scope Scope, emit Emit) error {
	files, report, err := a.scanner.List(ctx, scope.Path)
	if err != nil {
		return err
	}

	const largeFileBytes = 1 << 20

	var scanned int64
	large := 0
	done := 0
	for _, batch := range chunkFiles(files, scope.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, f := range batch {
			scanned += f.Size
			if f.Size > largeFileBytes {
				large++
			}
		}
		done += len(batch)
		if err := emit(progressOf(done, len(files)), map[string]any{
			"files":        len(files),
			"scannedBytes": scanned,
			"filesOverMiB": large,
		}); err != nil {
			return err
		}
	}

	ranked := slices.Clone(files)
	slices.SortFunc(ranked, func(a, b File) int { return cmp.Compare(b.Size, a.Size) })
	top := lo.Map(lo.Slice(ranked, 0, 10), func(f File, _ int) map[string]any {
		return map[string]any{"path": f.Rel, "size": f.Size, "sizeHuman": humanize.IBytes(uint64(f.Size))}
	})

	return emit(1, map[string]any{
		"files":        len(files),
		"totalBytes":   report.TotalBytes,
		"totalHuman":   humanize.IBytes(uint64(report.TotalBytes)),
		"filesOverMiB": large,
		"largestFiles": top,
		"violations":   report.Violations,
	})
}

// architectureAnalyzer reads the shape of the tree: top-level layout,
// nesting depth and the layout convention it resembles.
type architectureAnalyzer struct{ scanner *Scanner }

func (a *architectureAnalyzer) Type() string { return TypeArchitecture }

func (a *architectureAnalyzer) Analyze(ctx context.Context, scope Scope, emit Emit) error {
	files, _, err := a.scanner.List(ctx, scope.Path)
	if err != nil {
		return err
	}

	topLevel := map[string]struct{}{}
	maxDepth := 0
	for _, f := range files {
		parts := strings.Split(f.Rel, "/")
		if len(parts) > 1 {
			topLevel[parts[0]] = struct{}{}
		}
		if d := len(parts) - 1; d > maxDepth {
			maxDepth = d
		}
	}

	dirs := sortedKeys(topLevel)
	layout := "flat"
	switch {
	case lo.Contains(dirs, "cmd") && lo.Contains(dirs, "internal"):
		layout = "go-standard"
	case lo.Contains(dirs, "packages") || lo.Contains(dirs, "apps"):
		layout = "monorepo"
	case lo.Contains(dirs, "src"):
		layout = "src-rooted"
	}

	return emit(1, map[string]any{
		"topLevel": dirs,
		"layout":   layout,
		"maxDepth": maxDepth,
		"files":    len(files),
	})
}

var languageIndicators = map[string]string{
	"go.mod":           "Go",
	"package.json":     "JavaScript",
	"tsconfig.json":    "TypeScript",
	"pyproject.toml":   "Python",
	"requirements.txt": "Python",
	"Cargo.toml":       "Rust",
	"pom.xml":          "Java",
	"build.gradle":     "Java",
	"composer.json":    "PHP",
	"Gemfile":          "Ruby",
}

var frameworkIndicators = map[string]string{
	"next.config.js":     "Next.js",
	"next.config.mjs":    "Next.js",
	"angular.json":       "Angular",
	"vue.config.js":      "Vue",
	"svelte.config.js":   "Svelte",
	"nx.json":            "Nx",
	"lerna.json":         "Lerna",
	"turbo.json":         "Turborepo",
	"Dockerfile":         "Docker",
	"docker-compose.yml": "Docker Compose",
}

// techstackAnalyzer detects languages and frameworks from indicator
// files and builds an extension histogram.
type techstackAnalyzer struct{ scanner *Scanner }

func (a *techstackAnalyzer) Type() string { return TypeTechstack }

func (a *techstackAnalyzer) Analyze(ctx context.Context, scope Scope, emit Emit) error {
	files, _, err := a.scanner.List(ctx, scope.Path)
	if err != nil {
		return err
	}

	languages := map[string]struct{}{}
	frameworks := map[string]struct{}{}
	extensions := map[string]int{}

	done := 0
	batches := chunkFiles(files, scope.BatchSize)
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, f := range batch {
			base := path.Base(f.Rel)
			if lang, ok := languageIndicators[base]; ok {
				languages[lang] = struct{}{}
			}
			if fw, ok := frameworkIndicators[base]; ok {
				frameworks[fw] = struct{}{}
			}
			if strings.HasPrefix(f.Rel, ".github/workflows/") {
				frameworks["GitHub Actions"] = struct{}{}
			}
			if ext := path.Ext(f.Rel); ext != "" {
				extensions[strings.ToLower(ext)]++
			}
		}
		done += len(batch)
		if err := emit(progressOf(done, len(files)), map[string]any{
			"languages":  sortedKeys(languages),
			"frameworks": sortedKeys(frameworks),
			"extensions": maps.Clone(extensions),
			"files":      len(files),
		}); err != nil {
			return err
		}
	}
	if len(batches) == 0 {
		return emit(1, map[string]any{
			"languages":  []string{},
			"frameworks": []string{},
			"extensions": map[string]int{},
			"files":      0,
		})
	}
	return nil
}

// recommendationsAnalyzer derives housekeeping advice from what the
// tree is missing.
type recommendationsAnalyzer struct{ scanner *Scanner }

func (a *recommendationsAnalyzer) Type() string { return TypeRecommendations }

func (a *recommendationsAnalyzer) Analyze(ctx context.Context, scope Scope, emit Emit) error {
	files, report, err := a.scanner.List(ctx, scope.Path)
	if err != nil {
		return err
	}

	var hasReadme, hasLicense, hasIgnore, hasTests, hasCI bool
	for _, f := range files {
		base := strings.ToLower(path.Base(f.Rel))
		switch {
		case strings.HasPrefix(base, "readme"):
			hasReadme = true
		case strings.HasPrefix(base, "license") || strings.HasPrefix(base, "copying"):
			hasLicense = true
		case base == ".gitignore":
			hasIgnore = true
		case base == "jenkinsfile" || base == ".gitlab-ci.yml":
			hasCI = true
		}
		if strings.HasPrefix(f.Rel, ".github/workflows/") {
			hasCI = true
		}
		if strings.HasSuffix(base, "_test.go") || strings.Contains(base, ".test.") ||
			strings.Contains(base, ".spec.") || strings.Contains(f.Rel, "__tests__/") {
			hasTests = true
		}
	}

	recs := []string{}
	if !hasReadme {
		recs = append(recs, "Add a README describing the project.")
	}
	if !hasLicense {
		recs = append(recs, "Add a license file.")
	}
	if !hasIgnore {
		recs = append(recs, "Add a .gitignore to keep generated files out of version control.")
	}
	if !hasTests {
		recs = append(recs, "Add automated tests.")
	}
	if !hasCI {
		recs = append(recs, "Add a continuous integration pipeline.")
	}
	if n := len(report.Violations); n > 0 {
		recs = append(recs, fmt.Sprintf("Split or exclude %d files over the %s scan cap.",
			n, humanize.IBytes(uint64(a.scanner.cfg.MaxFileSize))))
	}

	return emit(1, map[string]any{
		"recommendations": recs,
		"checks": map[string]bool{
			"readme":    hasReadme,
			"license":   hasLicense,
			"gitignore": hasIgnore,
			"tests":     hasTests,
			"ci":        hasCI,
		},
	})
}
