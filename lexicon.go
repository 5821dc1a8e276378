package aff4

import "github.com/aff4/go-aff4/rdf"

// The AFF4 lexicon: namespaces, predicates and well-known values emitted
// into container metadata.
const (
	Namespace       = "http://aff4.org/Schema#"
	LegacyNamespace = "http://afflib.org/2009/aff4#"
	MemoryNamespace = Namespace + "memory/"
	XSDNamespace    = "http://www.w3.org/2001/XMLSchema#"
	RDFNamespace    = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"

	// Predicates.
	AttrType             = Namespace + "type"
	AttrStored           = Namespace + "stored"
	AttrSize             = Namespace + "size"
	AttrChunkSize        = Namespace + "chunk_size"
	AttrChunksPerSegment = Namespace + "chunks_per_segment"
	AttrCompression      = Namespace + "compressionMethod"
	AttrCategory         = Namespace + "category"
	AttrStreamWriteMode  = Namespace + "stream_write_mode"
	AttrContains         = Namespace + "contains"
	AttrTool             = Namespace + "tool"

	// Object types.
	TypeZipVolume         = Namespace + "ZipVolume"
	TypeZipSegment        = Namespace + "zip_segment"
	TypeImage             = Namespace + "Image"
	TypeImageStream       = Namespace + "ImageStream"
	TypeMap               = Namespace + "Map"
	TypeLegacyImage       = LegacyNamespace + "Image"
	TypeLegacyImageStream = LegacyNamespace + "stream"

	// Bevy compression method URIs.
	CompressionStored  = Namespace + "stored"
	CompressionDeflate = Namespace + "deflate"
	CompressionSnappy  = Namespace + "snappy"
	CompressionLZ4     = Namespace + "lz4"

	// Categories.
	MemoryPhysical = MemoryNamespace + "physical"

	// Stream write modes.
	WriteModeTruncate = "truncate"
	WriteModeAppend   = "append"
	WriteModeRead     = "read"
)

// DefaultNamespaces is the prefix table applied when serializing the graph
// to Turtle.
var DefaultNamespaces = []rdf.Namespace{
	{Prefix: "aff4", Base: Namespace},
	{Prefix: "xsd", Base: XSDNamespace},
	{Prefix: "rdf", Base: RDFNamespace},
}
