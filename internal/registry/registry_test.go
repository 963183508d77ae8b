package registry_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/seantiz/unidenoise/internal/registry"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := registry.New[int]("core")

	if err := reg.Register("flux", 1); err != nil {
		t.Fatalf("Register: %v", err)
	}

	v, err := reg.Resolve("flux")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != 1 {
		t.Errorf("Resolve(flux) = %d, want 1", v)
	}
}

func TestRegistryDuplicateKeepsFirst(t *testing.T) {
	reg := registry.New[string]("extension")

	if err := reg.Register("lora", "first"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := reg.Register("lora", "second")
	if !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("second Register error = %v, want ErrConflict", err)
	}
	var conflict *registry.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %T is not *ConflictError", err)
	}
	if conflict.Kind != "extension" || conflict.Tag != "lora" {
		t.Errorf("conflict = %+v, want kind=extension tag=lora", conflict)
	}

	v, err := reg.Resolve("lora")
	if err != nil {
		t.Fatalf("Resolve after conflict: %v", err)
	}
	if v != "first" {
		t.Errorf("Resolve(lora) = %q, want %q", v, "first")
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := registry.New[int]("core")

	_, err := reg.Resolve("missing")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Resolve error = %v, want ErrNotFound", err)
	}
}

func TestRegistryEmptyTag(t *testing.T) {
	reg := registry.New[int]("core")
	if err := reg.Register("", 1); err == nil {
		t.Error("expected error for empty tag, got nil")
	}
}

func TestRegistriesDoNotShareNamespaces(t *testing.T) {
	cores := registry.New[int]("core")
	exts := registry.New[int]("extension")

	if err := cores.Register("shared", 1); err != nil {
		t.Fatalf("cores.Register: %v", err)
	}
	if err := exts.Register("shared", 2); err != nil {
		t.Fatalf("exts.Register with same tag: %v", err)
	}
	if exts.Has("other") || !cores.Has("shared") {
		t.Error("unexpected Has results")
	}
}

func TestRegistryTagsSorted(t *testing.T) {
	reg := registry.New[int]("model")
	for _, tag := range []string{"sdxl", "flux", "cogview4"} {
		reg.MustRegister(tag, 0)
	}

	tags := reg.Tags()
	want := []string{"cogview4", "flux", "sdxl"}
	if len(tags) != len(want) {
		t.Fatalf("Tags() = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("Tags()[%d] = %q, want %q", i, tags[i], want[i])
		}
	}
	if reg.Len() != 3 {
		t.Errorf("Len() = %d, want 3", reg.Len())
	}
}

func TestRegistryMustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := registry.New[int]("core")
	reg.MustRegister("sd-1", 1)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate MustRegister")
		}
	}()
	reg.MustRegister("sd-1", 2)
}

func TestRegistryReset(t *testing.T) {
	reg := registry.New[int]("core")
	reg.MustRegister("sd-1", 1)
	reg.Reset()

	if reg.Has("sd-1") || reg.Len() != 0 {
		t.Fatal("entry survived Reset")
	}
	if err := reg.Register("sd-1", 2); err != nil {
		t.Fatalf("Register after Reset: %v", err)
	}
	if v, _ := reg.Resolve("sd-1"); v != 2 {
		t.Errorf("Resolve = %d, want 2", v)
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	reg := registry.New[int]("extension")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Go(func() {
			if err := reg.Register("race", i); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful registrations = %d, want 1", successes)
	}
}
