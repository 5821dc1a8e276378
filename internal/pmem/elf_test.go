package pmem

import (
	"bytes"
	"debug/elf"
	"io"
	"testing"

	"github.com/aff4/go-aff4/aff4map"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/stream"
)

func TestWriteElfCore(t *testing.T) {
	t.Parallel()

	ds := resolver.NewMemoryDataStore()
	m, err := aff4map.NewMap(ds, rdf.NewURN("aff4://v/mem"), rdf.NewURN("aff4://v"))
	if err != nil {
		t.Fatal(err)
	}
	src := stream.NewStringIOURN(ds, rdf.NewURN("aff4://v/raw"))
	src.Write([]byte("lowpage-highpage"))

	// Two sparse physical ranges backed by one stream.
	if err := m.AddRange(0, 0, 8, src); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(0x1000, 8, 8, src); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteElfCore(&buf, m, nil); err != nil {
		t.Fatal(err)
	}

	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("output does not parse as ELF: %v", err)
	}
	defer f.Close()
	if f.Type != elf.ET_CORE {
		t.Errorf("type = %v, want ET_CORE", f.Type)
	}
	if len(f.Progs) != 2 {
		t.Fatalf("%d program headers, want 2", len(f.Progs))
	}

	for i, want := range []struct {
		paddr uint64
		data  string
	}{
		{0, "lowpage-"},
		{0x1000, "highpage"},
	} {
		p := f.Progs[i]
		if p.Type != elf.PT_LOAD {
			t.Errorf("prog %d type = %v", i, p.Type)
		}
		if p.Paddr != want.paddr || p.Vaddr != want.paddr {
			t.Errorf("prog %d paddr = %#x, want %#x", i, p.Paddr, want.paddr)
		}
		data, err := io.ReadAll(p.Open())
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want.data {
			t.Errorf("prog %d data = %q, want %q", i, data, want.data)
		}
	}
}
