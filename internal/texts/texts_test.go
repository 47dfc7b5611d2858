package texts

import (
	"strings"
	"testing"
)

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, key := range []string{"start", "help", "captcha_caption", "kick_done", "cant_delete_msg"} {
		if got := c.Get(key); got == key {
			t.Fatalf("Get(%q) fell back to the key; catalog entry missing", key)
		}
	}
}

func TestGetFallsBackToKey(t *testing.T) {
	t.Parallel()

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := c.Get("no_such_key"); got != "no_such_key" {
		t.Fatalf("Get() = %q, want the key itself", got)
	}
}

func TestFormatsArguments(t *testing.T) {
	t.Parallel()

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := c.F("captcha_caption", "Ada", "Gophers", 5)
	if !strings.Contains(got, "Ada") || !strings.Contains(got, "Gophers") || !strings.Contains(got, "5") {
		t.Fatalf("F() = %q, want all arguments substituted", got)
	}
}
