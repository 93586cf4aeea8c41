package frame

// FourCC packs four ASCII bytes into the little-endian u32 tag used on the
// wire, following the same convention V4L2 and most container formats use.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Well-known pixel formats the stride table in strideFor understands.
// Names match their V4L2/FourCC tag strings.
var (
	FourCCRGB24 = FourCC('R', 'G', 'B', '3')
	FourCCBGR24 = FourCC('B', 'G', 'R', '3')
	FourCCRGB32 = FourCC('R', 'G', 'B', '4')
	FourCCBGR32 = FourCC('B', 'G', 'R', '4')
	FourCCRGBA  = FourCC('R', 'G', 'B', 'A')
	FourCCBGRA  = FourCC('B', 'G', 'R', 'A')
	FourCCYUYV  = FourCC('Y', 'U', 'Y', 'V')
	FourCCUYVY  = FourCC('U', 'Y', 'V', 'Y')
	FourCCNV12  = FourCC('N', 'V', '1', '2')
	FourCCNV21  = FourCC('N', 'V', '2', '1')
	FourCCNV16  = FourCC('N', 'V', '1', '6')
	FourCCNV61  = FourCC('N', 'V', '6', '1')
	FourCCI420  = FourCC('I', '4', '2', '0')
	FourCCYV12  = FourCC('Y', 'V', '1', '2')
)

// strideBytesPerPixel maps a fourcc to the byte count of its primary
// (often only) plane's stride per pixel column. Planar 4:2:0/4:2:2 formats
// (NV12/I420/YV12/NV21/NV16/NV61) all use a one-byte-per-sample luma plane,
// so the luma stride equals width; chroma planes are derived by the caller
// from that same stride where needed, matching how V4L2 reports a single
// "bytesperline" for these formats.
var strideBytesPerPixel = map[uint32]float64{
	FourCCRGB24: 3,
	FourCCBGR24: 3,
	FourCCRGB32: 4,
	FourCCBGR32: 4,
	FourCCRGBA:  4,
	FourCCBGRA:  4,
	FourCCYUYV:  2,
	FourCCUYVY:  2,
	FourCCNV12:  1,
	FourCCNV21:  1,
	FourCCNV16:  1,
	FourCCNV61:  1,
	FourCCI420:  1,
	FourCCYV12:  1,
}

// strideFor returns the tabulated stride for fourcc at the given width, or
// ok=false if fourcc has no entry (e.g. fully-planar I444, which spec §9
// notes the current design intentionally rejects rather than model a
// multi-plane layout).
func strideFor(fourcc uint32, width int32) (int32, bool) {
	bpp, ok := strideBytesPerPixel[fourcc]
	if !ok {
		return 0, false
	}
	return int32(float64(width) * bpp), true
}
