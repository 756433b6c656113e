package textinput

import (
	"errors"
	"fmt"
	"os"
	"sync"

	tokenizers "github.com/amikos-tech/pure-tokenizers"

	"github.com/amikos-tech/pure-onnx-pipeline/ort"
)

const (
	// DefaultSequenceLength is the truncation and fixed padding length used
	// when no override is configured.
	DefaultSequenceLength = 256

	defaultInputIDsName      = "input_ids"
	defaultAttentionMaskName = "attention_mask"
	// #nosec G101 -- ONNX input identifier string, not credential material.
	defaultTokenTypeIDsName = "token_type_ids"
)

// Option customizes encoder initialization.
type Option func(*config) error

type config struct {
	sequenceLength       int
	tokenizerLibraryPath string
	inputIDsName         string
	attentionMaskName    string
	tokenTypeIDsName     string
	includeTypeIDs       bool
}

func defaultConfig() config {
	return config{
		sequenceLength:    DefaultSequenceLength,
		inputIDsName:      defaultInputIDsName,
		attentionMaskName: defaultAttentionMaskName,
		tokenTypeIDsName:  defaultTokenTypeIDsName,
		includeTypeIDs:    true,
	}
}

// WithSequenceLength sets truncation and fixed padding length.
func WithSequenceLength(length int) Option {
	return func(cfg *config) error {
		if length <= 0 {
			return fmt.Errorf("sequence length must be > 0, got %d", length)
		}
		cfg.sequenceLength = length
		return nil
	}
}

// WithTokenizerLibraryPath sets the explicit pure-tokenizers shared library path.
func WithTokenizerLibraryPath(path string) Option {
	return func(cfg *config) error {
		if path == "" {
			return fmt.Errorf("tokenizer library path cannot be empty")
		}
		cfg.tokenizerLibraryPath = path
		return nil
	}
}

// WithInputNames overrides the tensor names the encoder emits.
func WithInputNames(inputIDsName, attentionMaskName, tokenTypeIDsName string) Option {
	return func(cfg *config) error {
		if inputIDsName == "" || attentionMaskName == "" || tokenTypeIDsName == "" {
			return fmt.Errorf("input names cannot be empty")
		}
		cfg.inputIDsName = inputIDsName
		cfg.attentionMaskName = attentionMaskName
		cfg.tokenTypeIDsName = tokenTypeIDsName
		return nil
	}
}

// WithoutTokenTypeIDs drops the token_type_ids tensor for models that take
// only input_ids and attention_mask.
func WithoutTokenTypeIDs() Option {
	return func(cfg *config) error {
		cfg.includeTypeIDs = false
		return nil
	}
}

// Encoder tokenizes text into fixed-length int64 tensors shaped for pipeline
// request batches.
//
// The caller must initialize ONNX Runtime via ort.SetSharedLibraryPath and
// ort.InitializeEnvironment before encoding; the produced tensors are native
// OrtValues.
type Encoder struct {
	sequenceLength    int
	tokenizer         *tokenizers.Tokenizer
	inputIDsName      string
	attentionMaskName string
	tokenTypeIDsName  string
	includeTypeIDs    bool
	runMu             sync.Mutex
}

// NewEncoder creates an encoder from a local tokenizer.json file.
func NewEncoder(tokenizerPath string, opts ...Option) (*Encoder, error) {
	if tokenizerPath == "" {
		return nil, fmt.Errorf("tokenizer path cannot be empty")
	}
	if _, err := os.Stat(tokenizerPath); err != nil {
		return nil, fmt.Errorf("tokenizer path %q is not usable: %w", tokenizerPath, err)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	tokenizerOpts := []tokenizers.TokenizerOption{
		tokenizers.WithTruncation(
			uintptr(cfg.sequenceLength),
			tokenizers.TruncationDirectionRight,
			tokenizers.TruncationStrategyLongestFirst,
		),
		tokenizers.WithPadding(true, tokenizers.PaddingStrategy{
			Tag:       tokenizers.PaddingStrategyFixed,
			FixedSize: uintptr(cfg.sequenceLength),
		}),
	}
	if cfg.tokenizerLibraryPath != "" {
		tokenizerOpts = append(tokenizerOpts, tokenizers.WithLibraryPath(cfg.tokenizerLibraryPath))
	}

	tokenizer, err := tokenizers.FromFile(tokenizerPath, tokenizerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	return &Encoder{
		sequenceLength:    cfg.sequenceLength,
		tokenizer:         tokenizer,
		inputIDsName:      cfg.inputIDsName,
		attentionMaskName: cfg.attentionMaskName,
		tokenTypeIDsName:  cfg.tokenTypeIDsName,
		includeTypeIDs:    cfg.includeTypeIDs,
	}, nil
}

// SequenceLength returns the configured truncation and padding length.
func (e *Encoder) SequenceLength() int {
	if e == nil {
		return 0
	}
	return e.sequenceLength
}

// InputNames returns the tensor names an encoded entry carries, in order.
func (e *Encoder) InputNames() []string {
	if e == nil {
		return nil
	}
	names := []string{e.inputIDsName, e.attentionMaskName}
	if e.includeTypeIDs {
		names = append(names, e.tokenTypeIDsName)
	}
	return names
}

// Close releases tokenizer resources.
func (e *Encoder) Close() error {
	if e == nil {
		return nil
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.tokenizer == nil {
		return nil
	}
	err := e.tokenizer.Close()
	e.tokenizer = nil
	return err
}

// EncodedEntry holds the named input tensors for one request batch entry.
// The entry owns its tensors; the batch only references them, so the entry
// must stay alive until the batch has been consumed by a run.
type EncodedEntry struct {
	names   []string
	tensors []*ort.Tensor[int64]
}

// Names returns the tensor names, parallel to Values.
func (entry *EncodedEntry) Names() []string {
	if entry == nil {
		return nil
	}
	return entry.names
}

// Values returns the tensors as batch inputs, parallel to Names.
func (entry *EncodedEntry) Values() []ort.Value {
	if entry == nil || len(entry.tensors) == 0 {
		return nil
	}
	values := make([]ort.Value, len(entry.tensors))
	for i, tensor := range entry.tensors {
		values[i] = tensor
	}
	return values
}

// Destroy releases all tensors of the entry. Idempotent.
func (entry *EncodedEntry) Destroy() error {
	if entry == nil {
		return nil
	}

	var err error
	for _, tensor := range entry.tensors {
		if tensor == nil {
			continue
		}
		if destroyErr := tensor.Destroy(); destroyErr != nil {
			err = errors.Join(err, destroyErr)
		}
	}
	entry.tensors = nil
	entry.names = nil
	return err
}

// Encode tokenizes texts into one request batch entry of shape
// (len(texts), sequenceLength) per input tensor.
func (e *Encoder) Encode(texts []string) (*EncodedEntry, error) {
	if e == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.tokenizer == nil {
		return nil, fmt.Errorf("encoder has been closed")
	}

	batchSize := len(texts)
	totalTokens := batchSize * e.sequenceLength
	inputIDs := make([]int64, totalTokens)
	attentionMask := make([]int64, totalTokens)
	var tokenTypeIDs []int64
	if e.includeTypeIDs {
		tokenTypeIDs = make([]int64, totalTokens)
	}

	for i, text := range texts {
		encoding, err := e.tokenizer.Encode(
			text,
			tokenizers.WithAddSpecialTokens(),
			tokenizers.WithReturnAttentionMask(),
			tokenizers.WithReturnTypeIDs(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize text %d: %w", i, err)
		}
		if encoding == nil {
			return nil, fmt.Errorf("failed to tokenize text %d: empty tokenizer result", i)
		}

		rowStart := i * e.sequenceLength
		rowEnd := rowStart + e.sequenceLength
		fillUint32AsInt64(inputIDs[rowStart:rowEnd], encoding.IDs)

		if len(encoding.AttentionMask) > 0 {
			fillUint32AsInt64(attentionMask[rowStart:rowEnd], encoding.AttentionMask)
		} else {
			deriveAttentionMask(attentionMask[rowStart:rowEnd], inputIDs[rowStart:rowEnd])
		}

		if e.includeTypeIDs && len(encoding.TypeIDs) > 0 {
			fillUint32AsInt64(tokenTypeIDs[rowStart:rowEnd], encoding.TypeIDs)
		}
	}

	shape := ort.NewShape(int64(batchSize), int64(e.sequenceLength))
	entry := &EncodedEntry{names: e.InputNames()}

	buffers := [][]int64{inputIDs, attentionMask}
	if e.includeTypeIDs {
		buffers = append(buffers, tokenTypeIDs)
	}
	for i, buffer := range buffers {
		tensor, err := ort.NewTensor(shape, buffer)
		if err != nil {
			_ = entry.Destroy()
			return nil, fmt.Errorf("failed to create %s tensor: %w", entry.names[i], err)
		}
		entry.tensors = append(entry.tensors, tensor)
	}

	return entry, nil
}

// AppendToBatch encodes texts and appends the result as one entry of batch.
// The returned entry owns the tensors and must be destroyed by the caller
// after the batch has been consumed.
func (e *Encoder) AppendToBatch(batch *ort.RequestBatch, texts []string) (*EncodedEntry, error) {
	if batch == nil {
		return nil, fmt.Errorf("request batch cannot be nil")
	}

	entry, err := e.Encode(texts)
	if err != nil {
		return nil, err
	}
	if err := batch.AddToBatch(entry.Names(), entry.Values()); err != nil {
		_ = entry.Destroy()
		return nil, err
	}
	return entry, nil
}

func fillUint32AsInt64(dst []int64, src []uint32) {
	if len(dst) == 0 || len(src) == 0 {
		return
	}
	copyCount := len(dst)
	if len(src) < copyCount {
		copyCount = len(src)
	}
	for i := 0; i < copyCount; i++ {
		dst[i] = int64(src[i])
	}
}

func deriveAttentionMask(dst []int64, tokenIDs []int64) {
	for i := range dst {
		if tokenIDs[i] != 0 {
			dst[i] = 1
		}
	}
}
