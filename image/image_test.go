package image_test

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/image"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/stream"
	"github.com/aff4/go-aff4/zip"
)

const imageName = "image.dd"

// createImageZip writes a container holding a deflate image with
// ridiculously small chunks (many bevies) and a snappy image.
func createImageZip(t *testing.T) (string, rdf.URN, rdf.URN, rdf.URN) {
	t.Helper()
	ds := resolver.NewMemoryDataStore()
	path := filepath.Join(t.TempDir(), "aff4_test.zip")
	backing := rdf.NewURNFromFilename(path)
	ds.Set(backing, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeTruncate))

	zf, err := zip.NewZipFile(ds, backing)
	if err != nil {
		t.Fatal(err)
	}
	imageURN := zf.URN().Append(imageName)
	img, err := image.NewImage(ds, imageURN, zf.URN())
	if err != nil {
		t.Fatal(err)
	}
	img.ChunkSize = 10
	img.ChunksPerSegment = 3
	for i := 0; i < 100; i++ {
		fmt.Fprintf(img, "Hello world %02d!", i)
	}
	if err := img.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := img.Close(); err != nil {
		t.Fatal(err)
	}

	// A second image compressed with snappy.
	imageURN2 := imageURN.Append("2")
	img2, err := image.NewImage(ds, imageURN2, zf.URN())
	if err != nil {
		t.Fatal(err)
	}
	img2.Compression = aff4.CompressionSnappy
	if _, err := img2.Write([]byte("This is a test")); err != nil {
		t.Fatal(err)
	}
	if err := img2.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := img2.Close(); err != nil {
		t.Fatal(err)
	}

	// The streaming interface with snappy and small chunks.
	src := stream.NewStringIO()
	src.Write([]byte("This is a test"))
	src.Seek(0, io.SeekStart)
	imageURNStream := imageURN.Append("stream")
	img3, err := image.NewImage(ds, imageURNStream, zf.URN())
	if err != nil {
		t.Fatal(err)
	}
	img3.ChunkSize = 10
	img3.ChunksPerSegment = 3
	img3.Compression = aff4.CompressionSnappy
	if err := img3.WriteStream(src, nil); err != nil {
		t.Fatal(err)
	}
	if err := img3.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := img3.Close(); err != nil {
		t.Fatal(err)
	}

	if err := zf.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ds.Close(); err != nil {
		t.Fatal(err)
	}
	return path, imageURN, imageURN2, imageURNStream
}

func openImage(t *testing.T, ds *resolver.DataStore, urn rdf.URN) *resolver.Scoped[*image.Image] {
	t.Helper()
	scoped, err := resolver.Open[*image.Image](ds, urn)
	if err != nil {
		t.Fatalf("opening image <%s>: %v", urn, err)
	}
	return scoped
}

func TestOpenImageByURN(t *testing.T) {
	path, imageURN, _, _ := createImageZip(t)

	ds := resolver.NewMemoryDataStore()
	defer ds.Close()
	if _, err := zip.NewZipFile(ds, rdf.NewURNFromFilename(path)); err != nil {
		t.Fatal(err)
	}

	scoped := openImage(t, ds, imageURN)
	defer scoped.Close()
	img := scoped.Obj

	// The reopened image carries the written layout.
	if img.ChunkSize != 10 {
		t.Errorf("ChunkSize = %d, want 10", img.ChunkSize)
	}
	if img.ChunksPerSegment != 3 {
		t.Errorf("ChunksPerSegment = %d, want 3", img.ChunksPerSegment)
	}
	if got := img.Size(); got != 1500 {
		t.Errorf("Size = %d, want 1500", got)
	}

	buf := make([]byte, 100)
	if _, err := io.ReadFull(img, buf); err != nil {
		t.Fatal(err)
	}
	want := "Hello world 00!Hello world 01!Hello world 02!Hello world 03!" +
		"Hello world 04!Hello world 05!Hello worl"
	if string(buf) != want {
		t.Errorf("Read(100) = %q, want %q", buf, want)
	}
}

func TestImageSeekRead(t *testing.T) {
	path, imageURN, imageURN2, imageURNStream := createImageZip(t)

	ds := resolver.NewMemoryDataStore()
	defer ds.Close()
	if _, err := zip.NewZipFile(ds, rdf.NewURNFromFilename(path)); err != nil {
		t.Fatal(err)
	}

	scoped := openImage(t, ds, imageURN)
	defer scoped.Close()
	img := scoped.Obj

	reference := stream.NewStringIO()
	for i := 0; i < 100; i++ {
		fmt.Fprintf(reference, "Hello world %02d!", i)
	}

	// Random buffers across chunk and bevy boundaries.
	for i := int64(0); i < 1500; i += 25 {
		img.Seek(i, io.SeekStart)
		reference.Seek(i, io.SeekStart)

		got := make([]byte, 13)
		n, err := img.Read(got)
		if err != nil && err != io.EOF {
			t.Fatal(err)
		}
		want := make([]byte, 13)
		wn, werr := reference.Read(want)
		if werr != nil && werr != io.EOF {
			t.Fatal(werr)
		}
		if string(got[:n]) != string(want[:wn]) {
			t.Fatalf("offset %d: got %q, want %q", i, got[:n], want[:wn])
		}
	}

	// Snappy decompression, and the compression attribute round trips.
	for _, urn := range []rdf.URN{imageURN2, imageURNStream} {
		var compression rdf.URN
		if err := ds.Get(urn, rdf.NewURN(aff4.AttrCompression), &compression); err != nil {
			t.Fatal(err)
		}
		if compression.Serialize() != aff4.CompressionSnappy {
			t.Errorf("<%s> compression = %q, want %q", urn, compression, aff4.CompressionSnappy)
		}

		s := openImage(t, ds, urn)
		buf := make([]byte, 100)
		n, err := s.Obj.Read(buf)
		if err != nil && err != io.EOF {
			t.Fatal(err)
		}
		if got, want := string(buf[:n]), "This is a test"; got != want {
			t.Errorf("<%s> = %q, want %q", urn, got, want)
		}
		s.Close()
	}
}

// Image bytes survive a round trip under every codec, regardless of the
// chunk and bevy boundaries crossed.
func TestImageCompressionMethods(t *testing.T) {
	for _, tt := range []struct {
		name   string
		method string
	}{
		{"stored", aff4.CompressionStored},
		{"deflate", aff4.CompressionDeflate},
		{"snappy", aff4.CompressionSnappy},
		{"lz4", aff4.CompressionLZ4},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ds := resolver.NewMemoryDataStore()
			path := filepath.Join(t.TempDir(), "codec.aff4")
			backing := rdf.NewURNFromFilename(path)
			ds.Set(backing, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeTruncate))
			zf, err := zip.NewZipFile(ds, backing)
			if err != nil {
				t.Fatal(err)
			}

			payload := make([]byte, 3333)
			for i := range payload {
				payload[i] = byte(i % 251)
			}

			urn := zf.URN().Append("codec.dd")
			img, err := image.NewImage(ds, urn, zf.URN())
			if err != nil {
				t.Fatal(err)
			}
			img.ChunkSize = 512
			img.ChunksPerSegment = 2
			img.Compression = tt.method
			if _, err := img.Write(payload); err != nil {
				t.Fatal(err)
			}
			if err := img.Flush(); err != nil {
				t.Fatal(err)
			}
			img.Close()
			if err := zf.Close(); err != nil {
				t.Fatal(err)
			}
			if err := ds.Close(); err != nil {
				t.Fatal(err)
			}

			ds2 := resolver.NewMemoryDataStore()
			defer ds2.Close()
			if _, err := zip.NewZipFile(ds2, rdf.NewURNFromFilename(path)); err != nil {
				t.Fatal(err)
			}
			scoped := openImage(t, ds2, urn)
			defer scoped.Close()
			if got := scoped.Obj.Size(); got != int64(len(payload)) {
				t.Fatalf("Size = %d, want %d", got, len(payload))
			}
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(scoped.Obj, got); err != nil {
				t.Fatal(err)
			}
			if string(got) != string(payload) {
				t.Error("payload mismatch after round trip")
			}
		})
	}
}
