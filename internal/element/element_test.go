package element

import (
	"testing"

	"github.com/kestrel-video/corevision/internal/backend"
)

func mockFactory() *Factory {
	k := backend.Mock
	return NewFactory(&backend.Manager{Kind: k})
}

func TestCreateUnavailableKindFails(t *testing.T) {
	f := mockFactory()
	_, err := f.Create(backend.Tiler, "", nil)
	if err == nil {
		t.Fatal("expected error creating Tiler on Mock backend")
	}
	var unavailable *backend.ErrElementUnavailable
	if !asErrElementUnavailable(err, &unavailable) {
		t.Fatalf("expected ErrElementUnavailable, got %T: %v", err, err)
	}
}

func asErrElementUnavailable(err error, target **backend.ErrElementUnavailable) bool {
	e, ok := err.(*backend.ErrElementUnavailable)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestCreateAppliesDefaultsThenOverrides(t *testing.T) {
	f := NewFactory(&backend.Manager{Kind: backend.Accelerated})
	el, err := f.Create(backend.StreamMux, "mux0", map[string]any{"batch-size": 8})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v, _ := el.Property("batch-size"); v != 8 {
		t.Fatalf("expected override to win, got %v", v)
	}
	if v, _ := el.Property("live-source"); v != true {
		t.Fatalf("expected default property to survive, got %v", v)
	}
}

func TestCreateIgnoresUnknownEnumValueWithoutFailing(t *testing.T) {
	f := NewFactory(&backend.Manager{Kind: backend.Standard})
	el, err := f.Create(backend.Decoder, "", map[string]any{"hwaccel": "bogus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := el.Property("hwaccel"); v == "bogus" {
		t.Fatal("expected invalid enum value to be dropped, not applied")
	}
}

func TestCreateUnlinkedElementHasNoGraphReference(t *testing.T) {
	f := mockFactory()
	el, err := f.Create(backend.Decoder, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if el.Name() == "" {
		t.Fatal("expected a default name to be assigned")
	}
}

func TestPropertiesReturnsDefensiveCopy(t *testing.T) {
	f := mockFactory()
	el, err := f.Create(backend.Decoder, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	props := el.Properties()
	props["injected"] = true
	if _, ok := el.Property("injected"); ok {
		t.Fatal("mutating the returned map leaked into the element")
	}
}
