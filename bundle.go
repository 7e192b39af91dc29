package certbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// BundleScript uses esbuild to bundle a policy script entry point with all
// its imports into a single self-contained script, enabling ES module
// import/export in policy source trees. The output is a plain script the
// engine can evaluate directly.
//
// If the source doesn't contain any import statements, it's returned as-is
// to avoid unnecessary processing. Single-file scripts keep top-level
// return and await this way; bundled scripts report results through the
// cert API or console instead.
func BundleScript(entryPath string) (string, error) {
	source, err := os.ReadFile(entryPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filepath.Base(entryPath), err)
	}

	src := string(source)

	if !needsBundling(src) {
		return src, nil
	}

	opts := esbuild.BuildOptions{
		EntryPoints:   []string{entryPath},
		AbsWorkingDir: filepath.Dir(entryPath),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2022,
		TreeShaking:   esbuild.TreeShakingFalse,
	}

	result := esbuild.Build(opts)

	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", filepath.Base(entryPath), strings.Join(msgs, "; "))
	}

	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling produced no output")
	}

	return string(result.OutputFiles[0].Contents), nil
}

// needsBundling checks if a script contains import statements that
// require bundling. Simple scripts without imports can skip this step.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "require(")
}
