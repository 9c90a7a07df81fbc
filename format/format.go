package format

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WEBP Format = "webp"
	GIF  Format = "gif"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
	ICO  Format = "ico"
	HEIC Format = "heic"
	HEIF Format = "heif"
	AVIF Format = "avif"
	SVG  Format = "svg"

	PSD Format = "psd"
	TGA Format = "tga"
	EXR Format = "exr"
	HDR Format = "hdr"
	JP2 Format = "jp2"
	JXL Format = "jxl"
	DDS Format = "dds"
	PCX Format = "pcx"
	PPM Format = "ppm"
	PGM Format = "pgm"
	PBM Format = "pbm"
	XCF Format = "xcf"
	EPS Format = "eps"

	DNG Format = "dng"
	CR2 Format = "cr2"
	CR3 Format = "cr3"
	CRW Format = "crw"
	NEF Format = "nef"
	NRW Format = "nrw"
	ARW Format = "arw"
	SRF Format = "srf"
	SR2 Format = "sr2"
	ORF Format = "orf"
	RW2 Format = "rw2"
	RAF Format = "raf"
	PEF Format = "pef"
	SRW Format = "srw"
	X3F Format = "x3f"
	F3R Format = "3fr"
	ERF Format = "erf"
	KDC Format = "kdc"
	MRW Format = "mrw"
	MOS Format = "mos"
	IIQ Format = "iiq"
	RWL Format = "rwl"

	Unknown Format = ""
)

type Category int

const (
	Standard Category = iota
	Professional
	RAW
)

func (c Category) String() string {
	switch c {
	case Standard:
		return "standard"
	case Professional:
		return "professional"
	case RAW:
		return "raw"
	default:
		return "unknown"
	}
}

func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return Standard, nil
	case "professional":
		return Professional, nil
	case "raw":
		return RAW, nil
	default:
		return 0, fmt.Errorf("format: unknown category %q", s)
	}
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Info 描述一个格式：MIME、扩展名、分类，以及能否读写
type Info struct {
	Format     Format   `json:"format"`
	Name       string   `json:"name"`
	MIME       string   `json:"mime"`
	Extensions []string `json:"extensions"`
	Category   Category `json:"category"`
	Readable   bool     `json:"readable"`
	Writable   bool     `json:"writable"`
}

// Buffer 是一段已完整编码的图片数据，生成后不再修改
type Buffer struct {
	Data   []byte
	Format Format
}

func (b Buffer) MIME() string {
	if info, ok := Lookup(string(b.Format)); ok {
		return info.MIME
	}
	return "application/octet-stream"
}

func raw(f Format, name string, exts ...string) Info {
	return Info{Format: f, Name: name, MIME: "image/x-" + string(f), Extensions: exts, Category: RAW, Readable: true}
}

var registry = []Info{
	{Format: PNG, Name: "PNG", MIME: "image/png", Extensions: []string{".png"}, Category: Standard, Readable: true, Writable: true},
	{Format: JPEG, Name: "JPEG", MIME: "image/jpeg", Extensions: []string{".jpg", ".jpeg", ".jpe", ".jfif"}, Category: Standard, Readable: true, Writable: true},
	{Format: WEBP, Name: "WebP", MIME: "image/webp", Extensions: []string{".webp"}, Category: Standard, Readable: true, Writable: true},
	{Format: GIF, Name: "GIF", MIME: "image/gif", Extensions: []string{".gif"}, Category: Standard, Readable: true, Writable: true},
	{Format: BMP, Name: "BMP", MIME: "image/bmp", Extensions: []string{".bmp", ".dib"}, Category: Standard, Readable: true, Writable: true},
	{Format: TIFF, Name: "TIFF", MIME: "image/tiff", Extensions: []string{".tif", ".tiff"}, Category: Standard, Readable: true, Writable: true},
	{Format: ICO, Name: "ICO", MIME: "image/x-icon", Extensions: []string{".ico"}, Category: Standard, Readable: true, Writable: true},
	{Format: HEIC, Name: "HEIC", MIME: "image/heic", Extensions: []string{".heic"}, Category: Standard, Readable: true},
	{Format: HEIF, Name: "HEIF", MIME: "image/heif", Extensions: []string{".heif", ".hif"}, Category: Standard, Readable: true},
	{Format: AVIF, Name: "AVIF", MIME: "image/avif", Extensions: []string{".avif"}, Category: Standard, Readable: true},
	{Format: SVG, Name: "SVG", MIME: "image/svg+xml", Extensions: []string{".svg", ".svgz"}, Category: Standard, Readable: true},

	{Format: PSD, Name: "Photoshop", MIME: "image/vnd.adobe.photoshop", Extensions: []string{".psd"}, Category: Professional, Readable: true},
	{Format: TGA, Name: "Targa", MIME: "image/x-tga", Extensions: []string{".tga"}, Category: Professional, Readable: true},
	{Format: EXR, Name: "OpenEXR", MIME: "image/x-exr", Extensions: []string{".exr"}, Category: Professional, Readable: true},
	{Format: HDR, Name: "Radiance HDR", MIME: "image/vnd.radiance", Extensions: []string{".hdr"}, Category: Professional, Readable: true},
	{Format: JP2, Name: "JPEG 2000", MIME: "image/jp2", Extensions: []string{".jp2", ".j2k"}, Category: Professional, Readable: true},
	{Format: JXL, Name: "JPEG XL", MIME: "image/jxl", Extensions: []string{".jxl"}, Category: Professional, Readable: true},
	{Format: DDS, Name: "DirectDraw Surface", MIME: "image/vnd-ms.dds", Extensions: []string{".dds"}, Category: Professional, Readable: true},
	{Format: PCX, Name: "PCX", MIME: "image/x-pcx", Extensions: []string{".pcx"}, Category: Professional, Readable: true},
	{Format: PPM, Name: "PPM", MIME: "image/x-portable-pixmap", Extensions: []string{".ppm"}, Category: Professional, Readable: true},
	{Format: PGM, Name: "PGM", MIME: "image/x-portable-graymap", Extensions: []string{".pgm"}, Category: Professional, Readable: true},
	{Format: PBM, Name: "PBM", MIME: "image/x-portable-bitmap", Extensions: []string{".pbm"}, Category: Professional, Readable: true},
	{Format: XCF, Name: "GIMP XCF", MIME: "image/x-xcf", Extensions: []string{".xcf"}, Category: Professional, Readable: true},
	{Format: EPS, Name: "Encapsulated PostScript", MIME: "application/postscript", Extensions: []string{".eps"}, Category: Professional, Readable: true},

	raw(DNG, "Adobe DNG", ".dng"),
	raw(CR2, "Canon CR2", ".cr2"),
	raw(CR3, "Canon CR3", ".cr3"),
	raw(CRW, "Canon CRW", ".crw"),
	raw(NEF, "Nikon NEF", ".nef"),
	raw(NRW, "Nikon NRW", ".nrw"),
	raw(ARW, "Sony ARW", ".arw"),
	raw(SRF, "Sony SRF", ".srf"),
	raw(SR2, "Sony SR2", ".sr2"),
	raw(ORF, "Olympus ORF", ".orf"),
	raw(RW2, "Panasonic RW2", ".rw2"),
	raw(RAF, "Fujifilm RAF", ".raf"),
	raw(PEF, "Pentax PEF", ".pef"),
	raw(SRW, "Samsung SRW", ".srw"),
	raw(X3F, "Sigma X3F", ".x3f"),
	raw(F3R, "Hasselblad 3FR", ".3fr"),
	raw(ERF, "Epson ERF", ".erf"),
	raw(KDC, "Kodak KDC", ".kdc"),
	raw(MRW, "Minolta MRW", ".mrw"),
	raw(MOS, "Leaf MOS", ".mos"),
	raw(IIQ, "Phase One IIQ", ".iiq"),
	raw(RWL, "Leica RWL", ".rwl"),
}

var (
	byTag = map[Format]Info{}
	byExt = map[string]Format{}

	aliases = map[string]Format{
		"jpg":                JPEG,
		"jpe":                JPEG,
		"tif":                TIFF,
		"hif":                HEIF,
		"icon":               ICO,
		"x-icon":             ICO,
		"vnd.microsoft.icon": ICO,
		"svg+xml":            SVG,
	}
)

func init() {
	for _, info := range registry {
		byTag[info.Format] = info
		for _, ext := range info.Extensions {
			byExt[ext] = info.Format
		}
	}
}

func normalizeTag(tag string) Format {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.TrimPrefix(tag, ".")
	tag = strings.TrimPrefix(tag, "image/")
	if f, ok := aliases[tag]; ok {
		return f
	}
	return Format(tag)
}

// Lookup 根据标签查找格式（大小写不敏感，支持 jpg/tif 等别名）
func Lookup(tag string) (Info, bool) {
	info, ok := byTag[normalizeTag(tag)]
	return info, ok
}

// Writable 判断格式是否可以作为输出
func Writable(tag string) bool {
	info, ok := Lookup(tag)
	return ok && info.Writable
}

// FromFileName 通过扩展名推断格式
func FromFileName(name string) Format {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return Unknown
	}
	return byExt[ext]
}

func All() []Info {
	out := make([]Info, len(registry))
	copy(out, registry)
	return out
}

func ByCategory(c Category) []Info {
	var out []Info
	for _, info := range registry {
		if info.Category == c {
			out = append(out, info)
		}
	}
	return out
}

func WritableFormats() []Format {
	var out []Format
	for _, info := range registry {
		if info.Writable {
			out = append(out, info.Format)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sniff 通过文件头识别常见格式，识别不了返回 Unknown
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return PNG
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return JPEG
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return GIF
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return WEBP
	case bytes.HasPrefix(data, []byte("BM")):
		return BMP
	case bytes.HasPrefix(data, []byte{0x00, 0x00, 0x01, 0x00}):
		return ICO
	case bytes.HasPrefix(data, []byte("8BPS")):
		return PSD
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return TIFF
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		switch string(data[8:12]) {
		case "heic", "heix", "hevc", "hevx":
			return HEIC
		case "mif1", "msf1":
			return HEIF
		case "avif", "avis":
			return AVIF
		case "crx ":
			return CR3
		}
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	if bytes.Contains(head, []byte("<svg")) {
		return SVG
	}
	return Unknown
}
