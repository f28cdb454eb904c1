package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeSettings(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "poet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}
	return path
}

func TestProvidersCommand(t *testing.T) {
	out, err := runCommand(t, "providers")
	if err != nil {
		t.Fatalf("providers failed: %v", err)
	}

	for _, name := range []string{"response_data", "page:WebPage", "page:SummaryPage"} {
		if !strings.Contains(out, name) {
			t.Errorf("Expected %s in output, got: %s", name, out)
		}
	}
	if strings.Contains(out, "autoextract:") {
		t.Errorf("Expected no AutoExtract providers when disabled, got: %s", out)
	}
}

func TestPlanCommand_DefaultCallbackDownloads(t *testing.T) {
	out, err := runCommand(t, "plan")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if !strings.Contains(out, "Callback: parse") {
		t.Errorf("Expected the default callback, got: %s", out)
	}
	if !strings.Contains(out, "Download: required") {
		t.Errorf("Expected the download to be required, got: %s", out)
	}
	if !strings.Contains(out, "response_data") {
		t.Errorf("Expected response_data to take part, got: %s", out)
	}
}

func TestPlanCommand_AutoExtractSkipsDownload(t *testing.T) {
	path := writeSettings(t, `
autoextract:
  enabled: true
  api_key: secret
callbacks:
  - name: parse_product
    page: ProductPage
`)
	dot := filepath.Join(t.TempDir(), "plan.dot")

	out, err := runCommand(t, "--config", path, "--json", "plan", "--callback", "parse_product", "--dot", dot)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	var report planReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Expected JSON output, got: %s", out)
	}
	if !report.DownloadSkipped {
		t.Errorf("Expected the download to be skipped")
	}
	if strings.Join(report.Providers, ",") != "autoextract:product,page:ProductPage" {
		t.Errorf("Expected AutoExtract providers, got: %v", report.Providers)
	}

	data, err := os.ReadFile(dot)
	if err != nil {
		t.Fatalf("Expected DOT file: %v", err)
	}
	if !strings.Contains(string(data), "digraph Plan") {
		t.Errorf("Expected a DOT graph, got: %s", data)
	}
}

func TestPlanCommand_UnknownCallback(t *testing.T) {
	_, err := runCommand(t, "plan", "--callback", "missing")
	if err == nil || !strings.Contains(err.Error(), "unknown callback") {
		t.Fatalf("Expected unknown callback error, got: %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	good := writeSettings(t, "spider: books\n")
	out, err := runCommand(t, "validate", good)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("Expected ok, got: %s", out)
	}

	bad := writeSettings(t, `
callbacks:
  - name: broken
    page: NoSuchPage
`)
	if _, err := runCommand(t, "validate", bad); err == nil {
		t.Fatal("Expected an error for an unknown page")
	}
}

func TestCrawlAndItemsCommands(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Books</title></head>
<body><h1>All books</h1><a href="/book/1">Dune</a></body></html>`)
	}))
	defer server.Close()

	dir := t.TempDir()
	path := writeSettings(t, fmt.Sprintf(`
spider: books
start_urls:
  - %s
store:
  path: %s
telemetry:
  logging:
    level: error
`, server.URL, filepath.Join(dir, "poet.db")))

	out, err := runCommand(t, "--config", path, "crawl")
	if err != nil {
		t.Fatalf("crawl failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("Expected a completed session, got: %s", out)
	}
	if !strings.Contains(out, "pagepoet/item_scraped_count") {
		t.Errorf("Expected item stats, got: %s", out)
	}

	out, err = runCommand(t, "--config", path, "items")
	if err != nil {
		t.Fatalf("items failed: %v", err)
	}
	if !strings.Contains(out, `"title":"Books"`) {
		t.Errorf("Expected the stored summary, got: %s", out)
	}

	out, err = runCommand(t, "--config", path, "--json", "sessions", "--stats")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	var reports []crawlReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("Expected JSON output, got: %s", out)
	}
	if len(reports) != 1 || reports[0].Stats["pagepoet/item_scraped_count"] != 1 {
		t.Errorf("Expected one session with one item, got: %+v", reports)
	}
}
