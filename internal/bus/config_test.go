package bus

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDefaultTaskConfig(t *testing.T) {
	cfg := DefaultTaskConfig()

	if cfg.RetryLimit != 3 {
		t.Errorf("RetryLimit = %d, want 3", cfg.RetryLimit)
	}
	if cfg.RetryDelaySeconds != 5 {
		t.Errorf("RetryDelaySeconds = %d, want 5", cfg.RetryDelaySeconds)
	}
	if cfg.ExpireInSeconds != 300 {
		t.Errorf("ExpireInSeconds = %d, want 300", cfg.ExpireInSeconds)
	}
	if cfg.RetryBackoff || cfg.StartAfterSeconds != 0 || cfg.KeepInSeconds != 0 || cfg.SingletonKey != "" {
		t.Errorf("unexpected non-zero defaults: %+v", cfg)
	}
}

func TestTaskConfig_ApplyComposesLeftToRight(t *testing.T) {
	cfg := DefaultTaskConfig().apply(
		WithRetryLimit(7),
		WithRetryDelay(2),
		WithRetryDelay(9), // later option wins
		WithRetryBackoff(true),
		WithStartAfter(30),
		WithExpireIn(120),
		WithKeepIn(3600),
		WithSingletonKey("once"),
		nil,
	)

	want := TaskConfig{
		RetryLimit:        7,
		RetryDelaySeconds: 9,
		RetryBackoff:      true,
		StartAfterSeconds: 30,
		ExpireInSeconds:   120,
		KeepInSeconds:     3600,
		SingletonKey:      "once",
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("applied config = %+v, want %+v", cfg, want)
	}
}

func TestStaticResolver_IgnoresPayload(t *testing.T) {
	r := Static(WithRetryLimit(1))

	for _, data := range []json.RawMessage{nil, json.RawMessage(`{"a":1}`)} {
		opts := r.Resolve(data)
		if len(opts) != 1 {
			t.Fatalf("Resolve returned %d options, want 1", len(opts))
		}
		cfg := DefaultTaskConfig().apply(opts...)
		if cfg.RetryLimit != 1 {
			t.Errorf("RetryLimit = %d, want 1", cfg.RetryLimit)
		}
	}
}

func TestDynamicResolver_DerivesFromPayload(t *testing.T) {
	r := Dynamic(func(data json.RawMessage) []TaskOption {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
			return nil
		}
		return []TaskOption{WithSingletonKey("entity:" + p.ID)}
	})

	cfg := DefaultTaskConfig().apply(r.Resolve(json.RawMessage(`{"id":"m1"}`))...)
	if cfg.SingletonKey != "entity:m1" {
		t.Errorf("SingletonKey = %q, want %q", cfg.SingletonKey, "entity:m1")
	}

	if opts := r.Resolve(json.RawMessage(`not json`)); opts != nil {
		t.Errorf("Resolve on bad payload = %v, want nil", opts)
	}
}
