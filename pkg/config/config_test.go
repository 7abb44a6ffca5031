package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromCreatesDefault(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	c, err := LoadConfigFrom(p)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if c.Remote != "" || c.FrameCacheSize != 0 || c.TrapReturnOffset != nil {
		t.Fatalf("default config has values set: %#v", c)
	}
	if c.StackDepth() != DefaultMaxStackDepth {
		t.Fatalf("expected default stack depth, got %d", c.StackDepth())
	}
	if c.Timeout() != DefaultDialTimeout {
		t.Fatalf("expected default timeout, got %v", c.Timeout())
	}
}

func TestLoadConfigFromValues(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	data := `remote: "localhost:2159"
symbol-file: app.elf
max-stack-depth: 12
frame-cache-size: 128
trap-return-offset: 2
dial-timeout: 250ms
aliases:
  bt: ["where"]
`
	if err := os.WriteFile(p, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFrom(p)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if c.Remote != "localhost:2159" || c.SymbolFile != "app.elf" {
		t.Fatalf("unexpected remote/symbol file: %#v", c)
	}
	if c.StackDepth() != 12 || c.FrameCacheSize != 128 {
		t.Fatalf("unexpected depth/cache: %d %d", c.StackDepth(), c.FrameCacheSize)
	}
	if c.TrapReturnOffset == nil || *c.TrapReturnOffset != 2 {
		t.Fatalf("unexpected trap return offset %v", c.TrapReturnOffset)
	}
	if c.Timeout() != 250*time.Millisecond {
		t.Fatalf("unexpected timeout %v", c.Timeout())
	}
	if len(c.Aliases["bt"]) != 1 || c.Aliases["bt"][0] != "where" {
		t.Fatalf("unexpected aliases %v", c.Aliases)
	}
}

func TestLoadConfigFromBadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(p, []byte("max-stack-depth: [1, 2"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFrom(p); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestTimeoutFallsBack(t *testing.T) {
	c := &Config{DialTimeout: "soon"}
	if c.Timeout() != DefaultDialTimeout {
		t.Fatalf("expected fallback timeout, got %v", c.Timeout())
	}
	var nilConfig *Config
	if nilConfig.StackDepth() != DefaultMaxStackDepth {
		t.Fatalf("nil config should use defaults")
	}
}
