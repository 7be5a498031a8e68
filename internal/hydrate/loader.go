package hydrate

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/jkaninda/vfsbox/internal/vfs"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	defaultMaxFileSizeMB    = 50
	defaultMaxArchiveSizeMB = 10

	sampleSize            = 1024
	nonPrintableThreshold = 0.30
)

var (
	defaultArchiveExtensions = []string{".zip", ".tar", ".gz", ".bz2", ".xz", ".7z", ".rar"}
	defaultTextExtensions    = []string{".txt", ".md", ".markdown", ".mdx", ".rst"}

	// compressedExtensions combine with ".tar" into compound archive names.
	compressedExtensions = map[string]bool{".gz": true, ".bz2": true, ".xz": true}

	// textApplicationTypes are non-text/* MIME types whose content is still text.
	textApplicationTypes = map[string]bool{
		"application/json":       true,
		"application/xml":        true,
		"application/javascript": true,
		"application/x-sh":       true,
		"application/x-python":   true,
		"application/yaml":       true,
		"application/x-yaml":     true,
		"application/toml":       true,
		"inode/x-empty":          true,
	}

	// legacyCharsets are tried in order after UTF-8 fails.
	legacyCharsets = []struct {
		name string
		enc  encoding.Encoding
	}{
		{vfs.EncodingLatin1, charmap.ISO8859_1},
		{vfs.EncodingCP1252, charmap.Windows1252},
	}
)

// Kind classifies how a file's content was stored.
type Kind string

const (
	KindEmpty      Kind = "empty"
	KindText       Kind = "text"
	KindBinary     Kind = "binary"
	KindArchive    Kind = "archive"
	KindLarge      Kind = "large"
	KindUnreadable Kind = "unreadable"
)

// Content is the stored form of a file.
type Content struct {
	Lines    []string
	Encoding string
	Kind     Kind
}

// LoaderConfig controls content classification.
type LoaderConfig struct {
	MaxFileSizeMB     int
	MaxArchiveSizeMB  int
	ArchiveExtensions []string
	TextExtensions    []string
}

// Loader reads files and converts them into content lines.
type Loader struct {
	maxFileSize    int64
	maxArchiveSize int64
	largeMessage   string
	archiveExt     map[string]bool
	textExt        map[string]bool
	logger         *slog.Logger
}

// NewLoader creates a loader; zero config values take the defaults.
func NewLoader(cfg LoaderConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if cfg.MaxArchiveSizeMB <= 0 {
		cfg.MaxArchiveSizeMB = defaultMaxArchiveSizeMB
	}
	if len(cfg.ArchiveExtensions) == 0 {
		cfg.ArchiveExtensions = defaultArchiveExtensions
	}
	if len(cfg.TextExtensions) == 0 {
		cfg.TextExtensions = defaultTextExtensions
	}

	largeMessage := vfs.LargePlaceholder
	if cfg.MaxFileSizeMB != defaultMaxFileSizeMB {
		largeMessage = fmt.Sprintf("<File Exceeds %dMB - Content Not Loaded>", cfg.MaxFileSizeMB)
	}
	return &Loader{
		maxFileSize:    int64(cfg.MaxFileSizeMB) << 20,
		maxArchiveSize: int64(cfg.MaxArchiveSizeMB) << 20,
		largeMessage:   largeMessage,
		archiveExt:     extensionSet(cfg.ArchiveExtensions),
		textExt:        extensionSet(cfg.TextExtensions),
		logger:         logger,
	}
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}

// Load classifies and reads the file at path whose size is already known.
func (l *Loader) Load(path string, size int64) Content {
	switch {
	case size == 0:
		return Content{Kind: KindEmpty}
	case size > l.maxFileSize:
		l.logger.Info("file exceeds content limit",
			slog.String("path", path),
			slog.String("size", humanize.IBytes(uint64(size))),
		)
		return Content{Lines: []string{l.largeMessage}, Kind: KindLarge}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("reading file content failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return Content{Lines: []string{vfs.ErrorPlaceholder}, Kind: KindUnreadable}
	}

	if l.IsArchive(path) && size <= l.maxArchiveSize {
		l.logger.Debug("storing archive content", slog.String("path", path))
		return Content{Lines: EncodeBinary(data), Kind: KindArchive}
	}
	if l.IsLikelyBinary(path, data) {
		l.logger.Debug("storing binary content", slog.String("path", path))
		return Content{Lines: EncodeBinary(data), Kind: KindBinary}
	}

	text, enc, err := decodeText(data)
	if err != nil {
		l.logger.Warn("decoding file content failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return Content{Lines: []string{vfs.BinaryPlaceholder}, Kind: KindBinary}
	}
	return Content{Lines: SplitLines(text), Encoding: enc, Kind: KindText}
}

// IsArchive reports whether path carries an archive extension, including the
// compound .tar.gz, .tar.bz2 and .tar.xz forms.
func (l *Loader) IsArchive(path string) bool {
	lower := strings.ToLower(path)
	ext := filepath.Ext(lower)
	if compressedExtensions[ext] && strings.HasSuffix(lower, ".tar"+ext) {
		return true
	}
	return l.archiveExt[ext]
}

// IsLikelyBinary applies the extension whitelist, then the MIME type, then a
// byte-sample heuristic.
func (l *Loader) IsLikelyBinary(path string, data []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if l.textExt[ext] {
		return false
	}

	if ext != "" {
		if typ := mime.TypeByExtension(ext); typ != "" {
			mediaType, _, err := mime.ParseMediaType(typ)
			if err != nil {
				mediaType = typ
			}
			if !strings.HasPrefix(mediaType, "text/") && !textApplicationTypes[mediaType] {
				return true
			}
		}
	}
	return sampleLooksBinary(data)
}

func sampleLooksBinary(data []byte) bool {
	sample := data
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	if len(sample) == 0 {
		return false
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	nonPrintable := 0
	for _, b := range sample {
		if (b < 32 || b > 126) && b != '\n' && b != '\r' && b != '\t' {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(sample)) > nonPrintableThreshold
}

func decodeText(data []byte) (string, string, error) {
	if utf8.Valid(data) {
		return string(data), "", nil
	}
	var errs []error
	for _, cs := range legacyCharsets {
		text, err := cs.enc.NewDecoder().Bytes(data)
		if err == nil {
			return string(text), cs.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", cs.name, err))
	}
	return "", "", errors.Join(errs...)
}

// EncodeText converts content lines back to bytes, re-encoding with the named
// legacy charset when one was recorded.
func EncodeText(lines []string, enc string) ([]byte, error) {
	joined := strings.Join(lines, "")
	if enc == "" {
		return []byte(joined), nil
	}
	for _, cs := range legacyCharsets {
		if cs.name == enc {
			out, err := cs.enc.NewEncoder().String(joined)
			if err != nil {
				return nil, fmt.Errorf("encoding %s: %w", enc, err)
			}
			return []byte(out), nil
		}
	}
	return nil, fmt.Errorf("unknown encoding %q", enc)
}

// SplitLines splits text after each line terminator (\n, \r\n or a lone \r),
// keeping the terminators so that joining the result reproduces text.
func SplitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			lines = append(lines, text[start:i+1])
			start = i + 1
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// EncodeBinary renders data as the marker line followed by base64 chunks.
func EncodeBinary(data []byte) []string {
	encoded := base64.StdEncoding.EncodeToString(data)
	lines := make([]string, 0, 1+len(encoded)/vfs.Base64LineWidth+1)
	lines = append(lines, vfs.BinaryMarker+"\n")
	for i := 0; i < len(encoded); i += vfs.Base64LineWidth {
		end := min(i+vfs.Base64LineWidth, len(encoded))
		lines = append(lines, encoded[i:end]+"\n")
	}
	return lines
}

// DecodeBinary reverses EncodeBinary. lines must start with the marker line.
func DecodeBinary(lines []string) ([]byte, error) {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != vfs.BinaryMarker {
		return nil, errors.New("missing binary marker")
	}
	var b strings.Builder
	for _, line := range lines[1:] {
		b.WriteString(strings.TrimRight(line, "\r\n"))
	}
	data, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("decoding base64 content: %w", err)
	}
	return data, nil
}

// DecodedSize returns the byte size an entry's content represents.
func DecodedSize(e vfs.Entry) int64 {
	if e.IsBinary() {
		if data, err := DecodeBinary(e.ContentLines); err == nil {
			return int64(len(data))
		}
	}
	if data, err := EncodeText(e.ContentLines, e.Encoding); err == nil {
		return int64(len(data))
	}
	return 0
}
