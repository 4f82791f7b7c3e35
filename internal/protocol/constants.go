package protocol

// Wire format version. Bumped whenever a tag or payload layout changes;
// there is no negotiation, both ends must be built from the same version.
const Version = 2

// Tag is the one-byte prefix identifying a message kind on the wire.
type Tag byte

const (
	TagFrameSignal     Tag = 'F' // no payload
	TagFramebufferInfo Tag = 'I' // fixed FramebufferInfoSize payload
	TagReservation     Tag = 'R' // fixed ReservationSize payload
	TagCommandChunk    Tag = 'D' // u32 length + opaque bytes
)

func (t Tag) String() string {
	switch t {
	case TagFrameSignal:
		return "frame"
	case TagFramebufferInfo:
		return "framebuffer-info"
	case TagReservation:
		return "reservation"
	case TagCommandChunk:
		return "command-chunk"
	default:
		return "unknown"
	}
}

// Fixed payload sizes (excluding the tag byte).
const (
	FramebufferInfoSize = 18 // u32 width, u32 height, u32 format, u32 usage, u16 scale
	ReservationSize     = 16 // two {u32 id, u32 generation} handles
	ChunkLengthSize     = 4  // u32 big-endian
)

// ChunkHeaderSize is the size of a command chunk header: tag + length.
const ChunkHeaderSize = 1 + ChunkLengthSize

// DefaultChunkCeiling is the largest command chunk payload accepted by
// default (128 KB).
const DefaultChunkCeiling = 4096 * 32

// MaxChunkCeiling bounds configurable ceilings so the length always fits in
// the u32 header and the per-connection buffers stay reasonable (64 MB).
const MaxChunkCeiling = 64 * 1024 * 1024

// ScaleUnity is the display scale value meaning 100%.
const ScaleUnity = 1000

// PixelFormat enumerates framebuffer texel formats.
type PixelFormat uint32

const (
	PixelFormatUndefined PixelFormat = iota
	PixelFormatRGBA8Unorm
	PixelFormatRGBA8UnormSrgb
	PixelFormatBGRA8Unorm
	PixelFormatBGRA8UnormSrgb
	PixelFormatRGBA16Float
	PixelFormatRGB10A2Unorm
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatUndefined:
		return "undefined"
	case PixelFormatRGBA8Unorm:
		return "rgba8unorm"
	case PixelFormatRGBA8UnormSrgb:
		return "rgba8unorm-srgb"
	case PixelFormatBGRA8Unorm:
		return "bgra8unorm"
	case PixelFormatBGRA8UnormSrgb:
		return "bgra8unorm-srgb"
	case PixelFormatRGBA16Float:
		return "rgba16float"
	case PixelFormatRGB10A2Unorm:
		return "rgb10a2unorm"
	default:
		return "unknown"
	}
}

// ParsePixelFormat is the inverse of PixelFormat.String.
func ParsePixelFormat(s string) (PixelFormat, bool) {
	for f := PixelFormatUndefined; f <= PixelFormatRGB10A2Unorm; f++ {
		if f.String() == s {
			return f, true
		}
	}
	return PixelFormatUndefined, false
}

// TextureUsage is a bit set describing how the framebuffer may be used.
type TextureUsage uint32

const (
	UsageCopySrc          TextureUsage = 1 << 0
	UsageCopyDst          TextureUsage = 1 << 1
	UsageTextureBinding   TextureUsage = 1 << 2
	UsageStorageBinding   TextureUsage = 1 << 3
	UsageRenderAttachment TextureUsage = 1 << 4
)
