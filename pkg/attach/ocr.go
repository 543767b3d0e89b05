package attach

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// OCRResult is extracted text plus a 0..1 confidence.
type OCRResult struct {
	Text       string
	Confidence float64
}

// OCRProcessor recovers text from image attachments. A nil result means OCR
// was not applicable or failed; the stage then records ocr_applied=false.
type OCRProcessor interface {
	OCR(ctx context.Context, data []byte, filename, mimeType string) (*OCRResult, error)
}

// TesseractOCRProcessor shells out to the tesseract binary. Confidence is
// the mean word confidence from TSV output, scaled to 0..1; 0.5 when the
// TSV pass yields no usable rows.
type TesseractOCRProcessor struct {
	TesseractPath string
	Lang          string
	Timeout       time.Duration
}

func (p TesseractOCRProcessor) OCR(ctx context.Context, data []byte, filename, mimeType string) (*OCRResult, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, nil
	}
	path := p.TesseractPath
	if path == "" {
		found, err := exec.LookPath("tesseract")
		if err != nil {
			return nil, nil
		}
		path = found
	}
	lang := p.Lang
	if lang == "" {
		lang = "eng"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	dir, err := os.MkdirTemp("", "ieim-ocr-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".img"
	}
	img := filepath.Join(dir, "input"+ext)
	if err := os.WriteFile(img, data, 0o600); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var textOut bytes.Buffer
	textCmd := exec.CommandContext(runCtx, path, img, "stdout", "-l", lang)
	textCmd.Stdout = &textOut
	if err := textCmd.Run(); err != nil {
		return nil, nil
	}
	text := strings.TrimSpace(textOut.String())
	if text == "" {
		return &OCRResult{Text: "", Confidence: 0}, nil
	}

	var tsvOut bytes.Buffer
	tsvCmd := exec.CommandContext(runCtx, path, img, "stdout", "-l", lang, "tsv")
	tsvCmd.Stdout = &tsvOut
	confidence := 0.5
	if err := tsvCmd.Run(); err == nil {
		if confs := parseTSVConfidences(tsvOut.String()); len(confs) > 0 {
			var sum float64
			for _, c := range confs {
				sum += c
			}
			confidence = sum / float64(len(confs)) / 100.0
		}
	}
	confidence = max(0, min(1, confidence))
	return &OCRResult{Text: text, Confidence: confidence}, nil
}

func parseTSVConfidences(tsv string) []float64 {
	lines := []string{}
	for _, ln := range strings.Split(tsv, "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) < 2 {
		return nil
	}
	header := strings.Split(lines[0], "\t")
	confIdx := -1
	for i, col := range header {
		if col == "conf" {
			confIdx = i
		}
	}
	if confIdx < 0 {
		return nil
	}
	var confs []float64
	for _, ln := range lines[1:] {
		parts := strings.Split(ln, "\t")
		if len(parts) <= confIdx {
			continue
		}
		c, err := strconv.ParseFloat(parts[confIdx], 64)
		if err != nil || c < 0 {
			continue
		}
		confs = append(confs, c)
	}
	return confs
}

// WASIOCRProcessor runs a sandboxed OCR engine compiled to WASM. The module
// reads image bytes on stdin and writes recovered text on stdout; an optional
// final "CONF:<0..1>" line reports confidence, otherwise 0.5 is assumed.
type WASIOCRProcessor struct {
	ModulePath string
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
}

// NewWASIOCRProcessor compiles the module once; instantiation is per call so
// a crashed OCR run cannot poison later ones.
func NewWASIOCRProcessor(ctx context.Context, modulePath string) (*WASIOCRProcessor, error) {
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, err
	}
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return &WASIOCRProcessor{ModulePath: modulePath, runtime: rt, compiled: compiled}, nil
}

// Close releases the compiled module and runtime.
func (p *WASIOCRProcessor) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

func (p *WASIOCRProcessor) OCR(ctx context.Context, data []byte, filename, mimeType string) (*OCRResult, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, nil
	}
	var stdout bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(data)).
		WithStdout(&stdout).
		WithArgs("ocr", filename).
		WithName("")
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, nil
	}
	_ = mod.Close(ctx)

	text := strings.TrimRight(stdout.String(), "\n")
	confidence := 0.5
	if idx := strings.LastIndex(text, "\nCONF:"); idx >= 0 {
		if c, err := strconv.ParseFloat(strings.TrimSpace(text[idx+len("\nCONF:"):]), 64); err == nil {
			confidence = max(0, min(1, c))
			text = text[:idx]
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &OCRResult{Text: "", Confidence: 0}, nil
	}
	return &OCRResult{Text: text, Confidence: confidence}, nil
}
