//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath returns the path to the built CLI binary, building it if needed
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../magenta",
		filepath.Join(os.Getenv("GOPATH"), "bin", "magenta"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../magenta", "../cmd/magenta")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../magenta")
	return abs
}

// fakeFastQC writes <read>_fastqc.html into the -o directory for every
// read file, and fails for reads whose name contains BAD
const fakeFastQC = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    -t) shift 2 ;;
    *)
      case "$1" in *BAD*) echo "corrupt reads: $1" >&2; exit 3 ;; esac
      base=$(basename "$1")
      base=${base%.gz}
      base=${base%.fastq}
      echo "<html>$base</html>" > "$out/${base}_fastqc.html"
      shift ;;
  esac
done
`

// fakeMegahit writes final.contigs.fa into the -o directory
const fakeMegahit = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
mkdir -p "$out"
echo ">k141_1" > "$out/final.contigs.fa"
echo "ACGTACGT" >> "$out/final.contigs.fa"
`

// writeTool writes an executable script into dir and returns its path
func writeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// writeReads creates FASTQ files named after ids under dataDir. IDs ending
// in /p get a pair of mates.
func writeReads(t *testing.T, dataDir string, ids ...string) {
	t.Helper()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		var names []string
		if strings.HasSuffix(id, "/p") {
			id = strings.TrimSuffix(id, "/p")
			names = []string{id + "_1.fastq", id + "_2.fastq"}
		} else {
			names = []string{id + ".fastq"}
		}
		for _, n := range names {
			content := "@r1\nACGT\n+\nIIII\n"
			if err := os.WriteFile(filepath.Join(dataDir, n), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
}

// createTestConfig writes a config rooted at projectDir that uses fake tools
func createTestConfig(t *testing.T, projectDir string, qcFraction string) string {
	t.Helper()
	tools := t.TempDir()
	fastqc := writeTool(t, tools, "fastqc", fakeFastQC)
	megahit := writeTool(t, tools, "megahit", fakeMegahit)

	config := `[general]
project_dir = "` + projectDir + `"
concurrency = 2

[runner]
retry_backoff = "10ms"

[qc]
tool = "` + fastqc + `"
max_retries = 1
required_success_fraction = ` + qcFraction + `

[assembly]
tool = "` + megahit + `"
assembler = "megahit"
required_success_fraction = 0.5

[notifications]
desktop = false
`

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// runCLI runs the binary and returns combined output and exit code
func runCLI(t *testing.T, binary, dir string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), exitErr.ExitCode()
		}
		t.Fatalf("Failed to run %v: %v", args, err)
	}
	return string(out), 0
}
