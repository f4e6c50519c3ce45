package persistence

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/markerq/internal/backoff"
)

func TestOpenFillsDefaults(t *testing.T) {
	var got Options
	Register("Capture", func(opts Options) (PluginPersistence, error) {
		got = opts
		return nil, nil
	})
	if !slices.Contains(Backends(), "capture") {
		t.Fatalf("capture not listed: %v", Backends())
	}

	if _, err := Open(" CAPTURE ", Options{Raw: []byte(`{"addr":"x"}`)}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.Timezone != time.UTC {
		t.Errorf("timezone = %v", got.Timezone)
	}
	if got.RequeueScan != defaultRequeueScan || got.MaxAttempts != defaultMaxAttempts {
		t.Errorf("unexpected defaults: scan=%d attempts=%d", got.RequeueScan, got.MaxAttempts)
	}
	if got.Retry.Name != backoff.PolicyExpFullJitter {
		t.Errorf("retry policy = %q", got.Retry.Name)
	}
	if string(got.Raw) != `{"addr":"x"}` {
		t.Errorf("raw settings not forwarded: %s", got.Raw)
	}

	if _, err := Open("capture", Options{MaxAttempts: 7, Retry: backoff.Policy{Name: backoff.PolicyFixed}}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.MaxAttempts != 7 || got.Retry.Name != backoff.PolicyFixed {
		t.Errorf("explicit options overridden: %+v", got)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	Register("listed", func(Options) (PluginPersistence, error) { return nil, nil })
	_, err := Open("kafka", Options{})
	if err == nil || !strings.Contains(err.Error(), "listed") {
		t.Fatalf("expected error naming available backends, got %v", err)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	Register("once", func(Options) (PluginPersistence, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate registration")
		}
	}()
	Register("once", func(Options) (PluginPersistence, error) { return nil, nil })
}
