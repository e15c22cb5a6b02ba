package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/nexus-im/supportdesk/internal/config"
)

func TestPreview(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short", "short"},
		{"line one\n\nline   two", "line one line two"},
		{strings.Repeat("é", previewLength), strings.Repeat("é", previewLength)},
		{strings.Repeat("a", previewLength+5), strings.Repeat("a", previewLength-1) + "…"},
	}
	for _, tt := range tests {
		if got := preview(tt.in); got != tt.want {
			t.Errorf("preview(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMemoryStoresShareBuyers(t *testing.T) {
	st := memoryStores()
	if st.conversations == nil || st.users == nil || st.admins == nil || st.sessions == nil {
		t.Fatalf("memory stores not fully wired: %+v", st)
	}
}

func TestSyncOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Chat.PollInterval = 5 * time.Second
	cfg.Chat.PollTimeout = 8 * time.Second
	cfg.Chat.MaxBackoff = time.Minute

	opts := syncOptions(cfg, 0)
	if opts.Interval != 5*time.Second || opts.Timeout != 8*time.Second || opts.MaxBackoff != time.Minute {
		t.Errorf("config not applied: %+v", opts)
	}

	opts = syncOptions(cfg, 2*time.Second)
	if opts.Interval != 2*time.Second || opts.Timeout != 8*time.Second {
		t.Errorf("interval override: %+v", opts)
	}

	opts = syncOptions(cfg, 10*time.Second)
	if opts.Interval != 10*time.Second || opts.Timeout != 0 {
		t.Errorf("timeout shorter than the override should fall back to the default: %+v", opts)
	}
}
