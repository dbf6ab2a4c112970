package sandboxfile

import "testing"

func TestReferenceRoundTrip(t *testing.T) {
	cases := []string{
		"microsandbox/python",
		"microsandbox/python:latest",
		"ghcr.io/acme/app:v1.2.3",
		"localhost:5000/acme/app",
		"docker.io/library/alpine:3.19",
	}

	for _, s := range cases {
		ref, err := ParseReference(s)
		if err != nil {
			t.Fatalf("ParseReference(%q): %v", s, err)
		}
		again, err := ParseReference(ref.String())
		if err != nil {
			t.Fatalf("re-parse %q: %v", ref.String(), err)
		}
		if !ref.Equal(again) {
			t.Errorf("round-trip mismatch for %q: %+v != %+v", s, ref, again)
		}
	}
}

func TestReferenceIndexDockerIOCollapse(t *testing.T) {
	ref, err := ParseReference("index.docker.io/library/alpine")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Host != "docker.io" {
		t.Errorf("expected docker.io, got %q", ref.Host)
	}
}

func TestReferenceStringPreservesExplicitDockerIOHost(t *testing.T) {
	ref, err := ParseReference("docker.io/library/alpine:3.19")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ref.String(), "docker.io/library/alpine:3.19"; got != want {
		t.Errorf("String() = %q, want %q (normalize never drops an explicit host)", got, want)
	}
}

func TestReferenceStringOmitsDefaultedHost(t *testing.T) {
	ref, err := ParseReference("library/alpine")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ref.String(), "library/alpine"; got != want {
		t.Errorf("String() = %q, want %q (no host was named, so none should be invented)", got, want)
	}
}

func TestReferenceHostDetection(t *testing.T) {
	ref, err := ParseReference("ghcr.io/acme/app")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Host != "ghcr.io" || ref.Repo != "acme/app" {
		t.Errorf("unexpected parse: %+v", ref)
	}

	ref2, err := ParseReference("acme/app")
	if err != nil {
		t.Fatal(err)
	}
	if ref2.Host == "ghcr.io" {
		t.Errorf("acme/app should not be treated as a host")
	}
}
