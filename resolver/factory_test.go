package resolver_test

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/stream"
)

// Opening a bare filename URN materializes a file stream through the
// scheme registry.
func TestFactoryOpensFiles(t *testing.T) {
	ds := resolver.NewMemoryDataStore()
	path := filepath.Join(t.TempDir(), "test.bin")
	urn := rdf.NewURNFromFilename(path)
	ds.Set(urn, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeTruncate))

	scoped, err := resolver.Open[aff4.Stream](ds, urn)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := scoped.Obj.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, ok := scoped.Obj.(*stream.FileBackedObject); !ok {
		t.Errorf("factory produced %T, want FileBackedObject", scoped.Obj)
	}
	scoped.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("file contents = %q", data)
	}
}

func TestFactorySingleCheckout(t *testing.T) {
	ds := resolver.NewMemoryDataStore()
	path := filepath.Join(t.TempDir(), "test.bin")
	urn := rdf.NewURNFromFilename(path)

	first, err := resolver.Open[aff4.Stream](ds, urn)
	if err != nil {
		t.Fatal(err)
	}

	// A second checkout of the same URN violates single-checkout.
	if _, err := resolver.Open[aff4.Stream](ds, urn); !xerrors.Is(err, aff4.ErrGenericError) {
		t.Errorf("double checkout = %v, want ErrGenericError", err)
	}

	// After Close the object is available again.
	first.Close()
	second, err := resolver.Open[aff4.Stream](ds, urn)
	if err != nil {
		t.Fatal(err)
	}
	second.Close()
}

func TestFactoryUnknownURN(t *testing.T) {
	ds := resolver.NewMemoryDataStore()
	_, err := resolver.Open[aff4.Stream](ds, rdf.NewURN("aff4://nothing/here"))
	if !xerrors.Is(err, aff4.ErrNotFound) {
		t.Errorf("Open of unknown URN = %v, want ErrNotFound", err)
	}
}
