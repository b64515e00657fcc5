package transport

import (
	"context"
	"io"
	"testing"

	"chronopost/internal/errkind"
)

type stubBackend struct {
	name string
	caps Capabilities
}

func (s stubBackend) Name() string               { return s.name }
func (s stubBackend) Capabilities() Capabilities { return s.caps }
func (s stubBackend) Send(context.Context, Payload, Target) (MessageHandle, error) {
	return MessageHandle{}, nil
}
func (s stubBackend) Fetch(context.Context, string, io.Writer) (int64, error) { return 0, nil }
func (s stubBackend) Delete(context.Context, MessageHandle) error             { return nil }

func newTestRegistry() *Registry {
	return NewRegistry(
		stubBackend{name: "cloud", caps: Capabilities{MaxInlineSize: 50 << 20, SupportsUpload: true}},
		stubBackend{name: "selfhosted", caps: Capabilities{MaxInlineSize: 2000 << 20, SupportsUpload: true}},
		stubBackend{name: "refonly", caps: Capabilities{MaxInlineSize: 50 << 20}},
	)
}

func TestCapableFiltersBySize(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	tests := []struct {
		name string
		need Requirement
		want []string
	}{
		{name: "small fits everywhere", need: Requirement{Size: 1 << 20}, want: []string{"cloud", "selfhosted", "refonly"}},
		{name: "oversize skips cloud", need: Requirement{Size: 60 << 20}, want: []string{"selfhosted"}},
		{name: "upload required", need: Requirement{Size: 1 << 20, NeedsUpload: true}, want: []string{"cloud", "selfhosted"}},
		{name: "zero size means unconstrained", need: Requirement{}, want: []string{"cloud", "selfhosted", "refonly"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := reg.Capable(tt.need)
			if len(got) != len(tt.want) {
				t.Fatalf("Capable() returned %d backends, want %d", len(got), len(tt.want))
			}
			for i, b := range got {
				if b.Name() != tt.want[i] {
					t.Fatalf("Capable()[%d] = %s, want %s", i, b.Name(), tt.want[i])
				}
			}
		})
	}
}

func TestFirstPrefersConfigOrder(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	b, err := reg.First(Requirement{Size: 1 << 20})
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}
	if b.Name() != "cloud" {
		t.Fatalf("First() = %s, want cloud", b.Name())
	}
}

func TestFirstUnsupportedWhenNothingFits(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	_, err := reg.First(Requirement{Size: 5000 << 20})
	if !errkind.Is(err, errkind.Unsupported) {
		t.Fatalf("First() error = %v, want Unsupported", err)
	}
}

func TestSetUsableRemovesFromSelection(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry()

	reg.SetUsable("cloud", false)
	if reg.Usable("cloud") {
		t.Fatal("cloud still usable after SetUsable(false)")
	}
	b, err := reg.First(Requirement{Size: 1 << 20})
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}
	if b.Name() != "selfhosted" {
		t.Fatalf("First() = %s, want selfhosted", b.Name())
	}

	reg.SetUsable("cloud", true)
	b, err = reg.First(Requirement{Size: 1 << 20})
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}
	if b.Name() != "cloud" {
		t.Fatalf("First() = %s after re-enable, want cloud", b.Name())
	}
}
