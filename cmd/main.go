package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/amikos-tech/pure-onnx-pipeline/ort"
	"github.com/amikos-tech/pure-onnx-pipeline/textinput"
)

var configPath string
var inputPath string
var outputPath string
var tokenizerPath string
var sharedLibraryPath string
var outputNamesCSV string
var numSteps int
var batchSize int
var sequenceLength int
var rawInputs bool

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a multi-stage inference pipeline on batched input data",
	Description: `Run expects input in .jsonl format, one request per line.
In text mode each line must be {"input": "text to process"} and --tokenizer is required.
With --raw each line must be {"values": [1.0, 2.0], "shape": "1,2"} and tensors are built directly.`,
	ArgsUsage: `
--config: path to the pipeline definition file compiled by the engine.
--input: path to a .jsonl file. If omitted, input is read from stdin.
--output: path to the output .jsonl file. If omitted, output is written to stdout.
--sharedLibrary: path to the ONNX Runtime shared library. If omitted, the library is resolved via bootstrap (cache or download).`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to the pipeline definition file",
			Aliases:     []string{"c"},
			Destination: &configPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to the output file",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "Path to tokenizer.json (text mode)",
			Aliases:     []string{"t"},
			Destination: &tokenizerPath,
		},
		&cli.StringFlag{
			Name:        "sharedLibrary",
			Usage:       "Path to the ONNX Runtime shared library",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.StringFlag{
			Name:        "outputNames",
			Usage:       "Comma-separated output tensor names to collect per request",
			Destination: &outputNamesCSV,
			Value:       "logits",
		},
		&cli.IntFlag{
			Name:        "steps",
			Usage:       "Number of pipelined steps per run",
			Destination: &numSteps,
			Value:       1,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of requests to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
		&cli.IntFlag{
			Name:        "sequenceLength",
			Usage:       "Token sequence length for text mode",
			Destination: &sequenceLength,
			Value:       textinput.DefaultSequenceLength,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "Treat inputs as raw tensors instead of text",
			Destination: &rawInputs,
		},
	},
	Action: func(ctx *cli.Context) error {
		outputNames := splitOutputNames(outputNamesCSV)
		if len(outputNames) == 0 {
			return fmt.Errorf("at least one output name is required")
		}
		if !rawInputs && tokenizerPath == "" {
			return fmt.Errorf("text mode requires --tokenizer (or pass --raw)")
		}

		if sharedLibraryPath != "" {
			if err := ort.SetSharedLibraryPath(sharedLibraryPath); err != nil {
				return err
			}
			if err := ort.InitializeEnvironment(); err != nil {
				return err
			}
		} else {
			if err := ort.InitializeEnvironmentWithBootstrap(); err != nil {
				return err
			}
		}
		defer func() { _ = ort.DestroyEnvironment() }()

		var encoder *textinput.Encoder
		if !rawInputs {
			var err error
			encoder, err = textinput.NewEncoder(tokenizerPath, textinput.WithSequenceLength(sequenceLength))
			if err != nil {
				return err
			}
			defer func() { _ = encoder.Close() }()
		}

		reader, closeReader, err := openInput(inputPath)
		if err != nil {
			return err
		}
		defer closeReader()
		if reader == nil {
			// Interactive terminal with no file: nothing to process.
			return fmt.Errorf("no input: provide --input or pipe .jsonl data on stdin")
		}

		writer, closeWriter, err := openOutput(outputPath)
		if err != nil {
			return err
		}
		defer closeWriter()

		session, err := ort.NewPipelineSession(configPath)
		if err != nil {
			return err
		}
		defer func() { _ = session.Destroy() }()

		runner, err := newBatchRunner(session, encoder, outputNames, numSteps)
		if err != nil {
			return err
		}
		defer func() { _ = runner.Close() }()

		return streamRequests(reader, writer, batchSize, runner)
	},
}

func main() {
	app := &cli.App{
		Name:     "onnx-pipeline",
		Usage:    "Batched multi-stage ONNX inference from the command line",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// request is one .jsonl input line plus its result summary.
type request struct {
	Input  string    `json:"input,omitempty"`
	Values []float32 `json:"values,omitempty"`
	Shape  string    `json:"shape,omitempty"`
	Output *result   `json:"output,omitempty"`
}

// result summarizes the drained output tensors of one batch slot. The tensor
// contents stay inside the engine; the pipeline layer only tracks handles.
type result struct {
	OutputCount int      `json:"outputCount"`
	Names       []string `json:"names"`
}

func splitOutputNames(csv string) []string {
	var names []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}

func openInput(path string) (io.Reader, func(), error) {
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to open input %q: %w", path, err)
		}
		return file, func() { _ = file.Close() }, nil
	}
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil, func() {}, nil
	}
	return os.Stdin, func() {}, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to create output %q: %w", path, err)
	}
	return file, func() { _ = file.Close() }, nil
}

// batchProcessor handles one filled batch of requests, attaching results.
type batchProcessor interface {
	processBatch(requests []request) error
}

// streamRequests reads .jsonl requests, processes them in batches of
// batchSize, and writes one result line per request in input order.
func streamRequests(reader io.Reader, writer io.Writer, batchSize int, runner batchProcessor) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}

	buffered := bufio.NewWriter(writer)
	batch := make([]request, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := runner.processBatch(batch); err != nil {
			return err
		}
		for i := range batch {
			line, err := jsoniter.Marshal(&batch[i])
			if err != nil {
				return err
			}
			if _, err := buffered.Write(line); err != nil {
				return err
			}
			if err := buffered.WriteByte('\n'); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var req request
		if err := jsoniter.Unmarshal([]byte(raw), &req); err != nil {
			return fmt.Errorf("invalid input on line %d: %w", lineNumber, err)
		}
		batch = append(batch, req)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return buffered.Flush()
}

// batchRunner drives one request/response batch pair through a pipeline
// session, reusing the containers across batches via Clear.
type batchRunner struct {
	session      *ort.PipelineSession
	encoder      *textinput.Encoder
	outputNames  []string
	numSteps     int
	requestBatch *ort.RequestBatch
	respBatch    *ort.ResponseBatch
	memInfo      *ort.MemoryInfo
	allocator    *ort.Allocator
}

func newBatchRunner(session *ort.PipelineSession, encoder *textinput.Encoder, outputNames []string, numSteps int) (_ *batchRunner, err error) {
	runner := &batchRunner{
		session:     session,
		encoder:     encoder,
		outputNames: outputNames,
		numSteps:    numSteps,
	}
	defer func() {
		if err != nil {
			_ = runner.Close()
		}
	}()

	if runner.requestBatch, err = ort.NewRequestBatch(); err != nil {
		return nil, err
	}
	if runner.respBatch, err = ort.NewResponseBatch(); err != nil {
		return nil, err
	}
	if runner.memInfo, err = ort.CreateCpuMemoryInfo(ort.AllocatorTypeDevice, ort.MemTypeDefault); err != nil {
		return nil, err
	}
	if runner.allocator, err = ort.GetDefaultAllocator(); err != nil {
		return nil, err
	}
	return runner, nil
}

func (r *batchRunner) Close() error {
	if r == nil {
		return nil
	}
	var err error
	if r.memInfo != nil {
		err = errors.Join(err, r.memInfo.Destroy())
		r.memInfo = nil
	}
	if r.respBatch != nil {
		err = errors.Join(err, r.respBatch.Destroy())
		r.respBatch = nil
	}
	if r.requestBatch != nil {
		err = errors.Join(err, r.requestBatch.Destroy())
		r.requestBatch = nil
	}
	return err
}

// processBatch fills the request batch from requests, runs the pipeline, and
// attaches a result summary to each request.
func (r *batchRunner) processBatch(requests []request) (err error) {
	if err := r.requestBatch.Clear(); err != nil {
		return err
	}
	if err := r.respBatch.Clear(); err != nil {
		return err
	}

	// Input tensors must outlive the run; collect and destroy at the end.
	var cleanup []func() error
	defer func() {
		for _, fn := range cleanup {
			err = errors.Join(err, fn())
		}
	}()

	responseSlots := make([]ort.Value, len(r.outputNames))
	memInfos := make([]*ort.MemoryInfo, len(r.outputNames))
	for i := range memInfos {
		memInfos[i] = r.memInfo
	}

	for i := range requests {
		if err := r.appendRequest(&requests[i], &cleanup); err != nil {
			return err
		}
		if err := r.respBatch.AddToBatch(r.outputNames, responseSlots, memInfos); err != nil {
			return err
		}
	}

	if err := r.session.Run(r.requestBatch, r.respBatch, r.numSteps); err != nil {
		return err
	}

	for i := range requests {
		values, err := r.respBatch.GetOutputValues(uint64(i), r.allocator)
		if err != nil {
			return err
		}
		requests[i].Output = &result{
			OutputCount: len(values),
			Names:       r.outputNames,
		}
		for _, value := range values {
			if destroyErr := value.Destroy(); destroyErr != nil {
				return destroyErr
			}
		}
	}
	return nil
}

func (r *batchRunner) appendRequest(req *request, cleanup *[]func() error) error {
	if r.encoder == nil {
		tensor, err := buildRawTensor(req)
		if err != nil {
			return err
		}
		*cleanup = append(*cleanup, tensor.Destroy)
		return r.requestBatch.AddToBatch([]string{"input"}, []ort.Value{tensor})
	}

	if req.Input == "" {
		return fmt.Errorf("text mode requires a non-empty \"input\" field")
	}
	entry, err := r.encoder.AppendToBatch(r.requestBatch, []string{req.Input})
	if err != nil {
		return err
	}
	*cleanup = append(*cleanup, entry.Destroy)
	return nil
}

// buildRawTensor turns a raw request into a float32 tensor of the declared
// shape.
func buildRawTensor(req *request) (*ort.Tensor[float32], error) {
	if len(req.Values) == 0 {
		return nil, fmt.Errorf("raw mode requires a non-empty \"values\" field")
	}
	if req.Shape == "" {
		return nil, fmt.Errorf("raw mode requires a \"shape\" field, for example \"1,%d\"", len(req.Values))
	}
	shape, err := ort.ParseShape(req.Shape)
	if err != nil {
		return nil, fmt.Errorf("invalid shape %q: %w", req.Shape, err)
	}
	count, err := ort.ShapeElementCount(shape)
	if err != nil {
		return nil, err
	}
	if count != len(req.Values) {
		return nil, fmt.Errorf("shape %q holds %d elements but %d values were given", req.Shape, count, len(req.Values))
	}
	return ort.NewTensor(shape, req.Values)
}
