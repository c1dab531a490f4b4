package config

import (
	"testing"

	"github.com/avshutov/proxyhub/auth"
	"github.com/avshutov/proxyhub/registry"
)

func validApp() App {
	return App{
		ListenAddr:      ":1080",
		MetricsInterval: "30s",
		Users:           []auth.ClientConfig{{Username: "u", Password: "p", Allowed: true}},
		Registries: map[string]registry.Config{
			"default": {List: []string{"socks5://127.0.0.1:1081"}},
		},
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	app := validApp()
	if errs := app.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidate_RejectsEmptyRegistries(t *testing.T) {
	app := validApp()
	app.Registries = nil
	errs := app.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for an empty registries map")
	}
}

func TestValidate_RejectsAmbiguousRegistrySource(t *testing.T) {
	app := validApp()
	app.Registries["default"] = registry.Config{List: []string{"a"}, URL: "http://example.com/list"}
	errs := app.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for a registry with both list and url set")
	}
}

func TestValidate_RejectsSmartHoldoutWithoutStart(t *testing.T) {
	app := validApp()
	app.Registries["default"] = registry.Config{List: []string{"a"}, SmartHoldout: true}
	errs := app.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for smart_holdout without smart_holdout_start")
	}
}

func TestValidate_RejectsBadListenAddr(t *testing.T) {
	app := validApp()
	app.ListenAddr = ""
	errs := app.Validate()
	if len(errs) == 0 {
		t.Fatal("expected an error for an empty listen_addr")
	}
}
