package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const routingYAML = `
routing:
  - alias: Article
    sub_indexes: [articles-en, articles-fr]
    types: [BlogPost]
  - alias: NewsArticle
    extends: Article
    sub_indexes: [news]
  - alias: BreakingNews
    extends: NewsArticle
    sub_indexes: [breaking]
  - alias: Author
    sub_indexes: [authors]
`

// writeConfig writes a config for conn with the shared routing table.
func writeConfig(t *testing.T, conn string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idxstore.yaml")
	data := fmt.Sprintf("store:\n  connection: %q\n  maintenance_interval: 1m\n%s", conn, routingYAML)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileConfig(t *testing.T) string {
	t.Helper()
	return writeConfig(t, "file://"+t.TempDir())
}

func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	verbose = false
	configPath = ""
	formatOutput = "table"

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	wOut.Close()
	wErr.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	var outBuf, errBuf bytes.Buffer
	outBuf.ReadFrom(rOut)
	errBuf.ReadFrom(rErr)

	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		exitCode = 1
		stderr += err.Error()
	}

	resetFlags(rootCmd)
	return
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
			return
		}
		f.Value.Set(f.DefValue)
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func statusJSON(t *testing.T, cfg string, args ...string) statusReport {
	t.Helper()
	stdout, stderr, code := runCmd(t, append([]string{"-c", cfg, "--format", "json", "status"}, args...)...)
	if code != 0 {
		t.Fatalf("status exit %d: %s", code, stderr)
	}
	var r statusReport
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		t.Fatalf("status output %q: %v", stdout, err)
	}
	return r
}

func TestVersion(t *testing.T) {
	stdout, _, code := runCmd(t, "version")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "idxstore") {
		t.Fatalf("expected 'idxstore', got: %s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, _, code := runCmd(t, "version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, `"version"`) {
		t.Fatalf("expected JSON, got: %s", stdout)
	}
}

func TestMissingConfig(t *testing.T) {
	_, stderr, code := runCmd(t, "-c", filepath.Join(t.TempDir(), "nope.yaml"), "status")
	if code == 0 {
		t.Fatal("expected failure")
	}
	if !strings.Contains(stderr, "no configuration file") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("IDXSTORE_CONFIG", fileConfig(t))
	stdout, stderr, code := runCmd(t, "resolve", "--alias", "Author")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "authors") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	cfg := fileConfig(t)

	stdout, stderr, code := runCmd(t, "-c", cfg, "verify")
	if code != 0 {
		t.Fatalf("verify exit %d: %s", code, stderr)
	}
	if got := strings.Count(stdout, "created"); got != 5 {
		t.Fatalf("first verify created %d indexes:\n%s", got, stdout)
	}

	stdout, _, code = runCmd(t, "-c", cfg, "verify")
	if code != 0 || strings.Contains(stdout, "created") {
		t.Fatalf("second verify (exit %d):\n%s", code, stdout)
	}

	for _, s := range statusJSON(t, cfg).Indexes {
		if !s.Exists || s.Locked {
			t.Errorf("%s: exists=%v locked=%v", s.SubIndex, s.Exists, s.Locked)
		}
	}
}

func TestStatusTable(t *testing.T) {
	cfg := fileConfig(t)
	runCmd(t, "-c", cfg, "verify", "--alias", "Author")

	stdout, stderr, code := runCmd(t, "-c", cfg, "status", "authors", "news")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "SUBINDEX") {
		t.Fatalf("table:\n%s", stdout)
	}
	if !strings.Contains(lines[1], "authors") || !strings.Contains(lines[1], "yes") {
		t.Errorf("authors row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "news") || !strings.Contains(lines[2], "NewsArticle") {
		t.Errorf("news row = %q", lines[2])
	}
	if !strings.Contains(lines[2], filepath.Join("index", "news")) {
		t.Errorf("news location = %q", lines[2])
	}
}

func TestDeleteRequiresSelection(t *testing.T) {
	cfg := fileConfig(t)
	for _, cmd := range []string{"delete", "clean", "create"} {
		_, stderr, code := runCmd(t, "-c", cfg, cmd)
		if code == 0 || !strings.Contains(stderr, "--all") {
			t.Errorf("%s without selection: exit %d, %s", cmd, code, stderr)
		}
	}
}

func TestDeleteThenVerify(t *testing.T) {
	cfg := fileConfig(t)
	runCmd(t, "-c", cfg, "verify")

	stdout, stderr, code := runCmd(t, "-c", cfg, "delete", "--type", "BlogPost")
	if code != 0 {
		t.Fatalf("delete exit %d: %s", code, stderr)
	}
	if strings.Count(stdout, "deleted") != 2 {
		t.Fatalf("delete output:\n%s", stdout)
	}

	exists := map[string]bool{}
	for _, s := range statusJSON(t, cfg).Indexes {
		exists[s.SubIndex] = s.Exists
	}
	if exists["articles-en"] || exists["articles-fr"] || !exists["news"] {
		t.Fatalf("exists after delete = %v", exists)
	}

	stdout, _, _ = runCmd(t, "-c", cfg, "verify")
	if strings.Count(stdout, "created") != 2 {
		t.Fatalf("verify after delete:\n%s", stdout)
	}
}

func TestDeleteAll(t *testing.T) {
	cfg := fileConfig(t)
	runCmd(t, "-c", cfg, "verify")
	if _, stderr, code := runCmd(t, "-c", cfg, "delete", "--all"); code != 0 {
		t.Fatalf("delete --all exit %d: %s", code, stderr)
	}
	for _, s := range statusJSON(t, cfg).Indexes {
		if s.Exists {
			t.Errorf("%s still exists", s.SubIndex)
		}
	}
}

func TestClean(t *testing.T) {
	cfg := fileConfig(t)
	stdout, stderr, code := runCmd(t, "-c", cfg, "clean", "news")
	if code != 0 || !strings.Contains(stdout, "cleaned") {
		t.Fatalf("clean exit %d: %s%s", code, stdout, stderr)
	}
	if r := statusJSON(t, cfg, "news"); !r.Indexes[0].Exists {
		t.Fatal("clean did not leave an empty index")
	}
}

func TestResolvePolymorphic(t *testing.T) {
	cfg := fileConfig(t)

	stdout, stderr, code := runCmd(t, "-c", cfg, "--format", "json", "resolve", "--alias", "Article", "-p")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var r resolveReport
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, ri := range r {
		got = append(got, ri.SubIndex)
	}
	want := "articles-en,articles-fr,breaking,news"
	if strings.Join(got, ",") != want {
		t.Fatalf("resolved = %v, want %s", got, want)
	}

	stdout, _, _ = runCmd(t, "-c", cfg, "resolve", "--alias", "Article")
	if strings.Contains(stdout, "news") {
		t.Fatalf("non-polymorphic resolve included news:\n%s", stdout)
	}
}

func TestResolveUnknownAlias(t *testing.T) {
	cfg := fileConfig(t)
	_, stderr, code := runCmd(t, "-c", cfg, "resolve", "--alias", "Podcast")
	if code == 0 {
		t.Fatal("expected failure")
	}
	if !strings.Contains(stderr, "Podcast") {
		t.Fatalf("stderr = %s", stderr)
	}
}

func TestUnlock(t *testing.T) {
	cfg := fileConfig(t)
	stdout, stderr, code := runCmd(t, "-c", cfg, "unlock", "authors")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "not locked") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestCopy(t *testing.T) {
	src := fileConfig(t)
	dst := fileConfig(t)
	runCmd(t, "-c", src, "verify", "news")

	stdout, stderr, code := runCmd(t, "-c", dst, "--format", "json", "copy", "--from", src, "news", "authors")
	if code != 0 {
		t.Fatalf("copy exit %d: %s", code, stderr)
	}
	var r copyReport
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		t.Fatalf("copy output %q: %v", stdout, err)
	}
	if len(r.Results) != 2 {
		t.Fatalf("results = %+v", r.Results)
	}
	for _, row := range r.Results {
		if row.Error != "" {
			t.Errorf("%s: %s", row.SubIndex, row.Error)
		}
		if row.SubIndex == "authors" && !row.Synthesized {
			t.Error("authors has no source index and should be synthesized")
		}
		if row.SubIndex == "news" && (row.Synthesized || row.Files == 0) {
			t.Errorf("news row = %+v", row)
		}
	}

	exists := map[string]bool{}
	for _, s := range statusJSON(t, dst, "news", "authors").Indexes {
		exists[s.SubIndex] = s.Exists
	}
	if !exists["news"] || !exists["authors"] {
		t.Fatalf("destination after copy = %v", exists)
	}
}

func TestCopyRequiresFrom(t *testing.T) {
	_, stderr, code := runCmd(t, "-c", fileConfig(t), "copy")
	if code == 0 || !strings.Contains(stderr, "--from") {
		t.Fatalf("exit %d: %s", code, stderr)
	}
}

func TestMaintain(t *testing.T) {
	cfg := writeConfig(t, "memory+kv://")
	stdout, stderr, code := runCmd(t, "-c", cfg, "maintain")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "maintenance done") {
		t.Fatalf("stdout = %s", stdout)
	}
}

func TestUnknownFormat(t *testing.T) {
	_, stderr, code := runCmd(t, "-c", fileConfig(t), "--format", "xml", "status")
	if code == 0 || !strings.Contains(stderr, "unsupported output format") {
		t.Fatalf("exit %d: %s", code, stderr)
	}
}
