package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	path := filepath.Join(t.TempDir(), "logs", "cowtree.log")
	t.Cleanup(func() { Close() })

	if err := Init(Config{Level: LevelDebug, OutputPath: path, Format: "json"}); err != nil {
		t.Fatalf("init: %v", err)
	}

	WithComponent("pagestore").Debug("page written", "page", 7)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"component":"pagestore"`) {
		t.Errorf("expected component field in %q", out)
	}
	if !strings.Contains(out, `"msg":"page written"`) {
		t.Errorf("expected message in %q", out)
	}
}

func TestInitTwiceFails(t *testing.T) {
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	path := filepath.Join(t.TempDir(), "a.log")
	t.Cleanup(func() { Close() })

	if err := Init(Config{OutputPath: path}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := Init(Config{OutputPath: path}); err == nil {
		t.Error("expected error on second Init")
	}
}

func TestGetLoggerLazyDefault(t *testing.T) {
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if GetLogger() == nil {
		t.Fatal("expected default logger")
	}
	if WithPage(3) == nil {
		t.Fatal("expected page logger")
	}
}

func TestGetLoggerConcurrentWithClose(t *testing.T) {
	t.Cleanup(func() { Close() })

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if g%2 == 0 {
					Close()
					continue
				}
				if GetLogger() == nil {
					t.Error("GetLogger returned nil")
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   LogLevel
		want string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
