package fileid

import (
	"testing"
	"time"
)

func TestGenerateDeterministic(t *testing.T) {
	lm := time.UnixMilli(1234)
	size := int64(42)
	d := Descriptor{Source: "file-input", Name: "My Photo.PNG", DeclaredType: "image/png", Size: &size, LastModified: &lm}

	id1 := Generate(d)
	id2 := Generate(d)

	if id1 != id2 {
		t.Fatalf("Generate is not deterministic: %q != %q", id1, id2)
	}
	if id1 == "" {
		t.Fatalf("empty id")
	}
}

func TestGenerateDiffersOnSize(t *testing.T) {
	lm := time.UnixMilli(1234)
	a := int64(1)
	b := int64(2)
	d1 := Descriptor{Source: "s", Name: "a.txt", Size: &a, LastModified: &lm}
	d2 := Descriptor{Source: "s", Name: "a.txt", Size: &b, LastModified: &lm}

	if Generate(d1) == Generate(d2) {
		t.Fatalf("expected different ids for different sizes")
	}
}

func TestNameExtension(t *testing.T) {
	cases := map[string]string{
		"a.txt":       "txt",
		"a.TXT":       "txt",
		"archive.tar.gz": "gz",
		"noext":       "",
		".gitignore":  "",
		"dir/a.png":   "png",
	}
	for name, want := range cases {
		if got := NameExtension(name); got != want {
			t.Errorf("NameExtension(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestResolveRemotePrefersDeclaredType(t *testing.T) {
	_, _, mt := Resolve(Descriptor{IsRemote: true, Name: "a.txt", DeclaredType: "application/custom"})
	if mt != "application/custom" {
		t.Fatalf("mt = %q, want application/custom", mt)
	}
}

func TestResolveFallsBackToExtension(t *testing.T) {
	_, ext, mt := Resolve(Descriptor{Name: "a.png"})
	if ext != "png" {
		t.Fatalf("ext = %q", ext)
	}
	if mt != "image/png" {
		t.Fatalf("mt = %q, want image/png", mt)
	}
}

func TestResolveUnknownExtensionFallsBackToOctetStream(t *testing.T) {
	_, _, mt := Resolve(Descriptor{Name: "a.qqzz"})
	if mt != "application/octet-stream" {
		t.Fatalf("mt = %q, want application/octet-stream", mt)
	}
}

func TestResolveSynthesizesImageName(t *testing.T) {
	name, _, mt := Resolve(Descriptor{DeclaredType: "image/png"})
	if mt != "image/png" {
		t.Fatalf("mt = %q", mt)
	}
	if name != "image.png" {
		t.Fatalf("name = %q, want image.png", name)
	}
}
