package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/serialization"
)

type BatchRequest struct {
	Files   []FileTask      `json:"files"`
	Options *ProcessOptions `json:"options,omitempty"`
}

type FileTask struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path,omitempty"` // output dir
}

type ProcessOptions struct {
	RemoveSource    bool   `json:"remove_source,omitempty"`
	OverwriteOutput bool   `json:"overwrite_output,omitempty"`
	SkipNoop        bool   `json:"skip_noop,omitempty"`
	ExtractCover    bool   `json:"extract_cover,omitempty"`
	Verify          bool   `json:"verify,omitempty"`
	NamingFormat    string `json:"naming_format,omitempty"`
}

type ProcessResult struct {
	InputPath   string `json:"input_path"`
	OutputPath  string `json:"output_path,omitempty"`
	Format      string `json:"format,omitempty"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
	ProcessTime int64  `json:"process_time_ms"`
}

type BatchResponse struct {
	Results      []ProcessResult `json:"results"`
	TotalFiles   int             `json:"total_files"`
	SuccessCount int             `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	SkippedCount int             `json:"skipped_count"`
	TotalTime    int64           `json:"total_time_ms"`
}

type taskWithIndex struct {
	index int
	task  FileTask
}

type resultWithIndex struct {
	index  int
	result ProcessResult
}

type batchProcessor struct {
	logger     *zap.Logger
	proc       *processor
	maxWorkers int

	// done counts finished tasks of the running batch, for progress reports.
	done atomic.Int64
}

func newBatchProcessor(proc *processor, logger *zap.Logger) *batchProcessor {
	return &batchProcessor{
		logger:     logger,
		proc:       proc,
		maxWorkers: max(proc.workers, 1),
	}
}

// processBatch runs every task through a bounded worker pool. A failing file
// never stops the batch; a cancelled ctx marks the remaining tasks failed.
func (bp *batchProcessor) processBatch(ctx context.Context, request *BatchRequest) *BatchResponse {
	startTime := time.Now()
	bp.done.Store(0)

	response := &BatchResponse{
		Results:    make([]ProcessResult, len(request.Files)),
		TotalFiles: len(request.Files),
	}

	workers := min(bp.maxWorkers, max(len(request.Files), 1))
	bp.logger.Info("batch started",
		zap.Int("files", len(request.Files)),
		zap.Int("workers", workers))

	taskChan := make(chan taskWithIndex, len(request.Files))
	resultChan := make(chan resultWithIndex, len(request.Files))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bp.worker(ctx, &wg, taskChan, resultChan)
	}

	for i, task := range request.Files {
		taskChan <- taskWithIndex{index: i, task: task}
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for result := range resultChan {
		response.Results[result.index] = result.result
		switch {
		case result.result.Skipped:
			response.SkippedCount++
		case result.result.Success:
			response.SuccessCount++
		default:
			response.FailedCount++
		}
	}

	response.TotalTime = time.Since(startTime).Milliseconds()

	bp.logger.Info("batch finished",
		zap.Int("succeeded", response.SuccessCount),
		zap.Int("failed", response.FailedCount),
		zap.Int("skipped", response.SkippedCount),
		zap.Int64("elapsed_ms", response.TotalTime))

	return response
}

func (bp *batchProcessor) worker(ctx context.Context, wg *sync.WaitGroup, taskChan <-chan taskWithIndex, resultChan chan<- resultWithIndex) {
	defer wg.Done()

	for taskWithIdx := range taskChan {
		result := bp.processFileTask(ctx, taskWithIdx.task)
		bp.done.Add(1)
		resultChan <- resultWithIndex{
			index:  taskWithIdx.index,
			result: result,
		}
	}
}

func (bp *batchProcessor) processFileTask(ctx context.Context, task FileTask) ProcessResult {
	startTime := time.Now()
	result := ProcessResult{InputPath: task.InputPath}

	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		return result
	}
	if _, err := os.Stat(task.InputPath); err != nil {
		result.Error = fmt.Sprintf("input file not found: %s", task.InputPath)
		result.ProcessTime = time.Since(startTime).Milliseconds()
		return result
	}

	res, err := bp.proc.processFile(ctx, task.InputPath, task.OutputPath)
	if err != nil {
		result.Error = err.Error()
		bp.logger.Error("conversion failed", zap.String("source", task.InputPath), zap.Error(err))
	} else {
		result.Success = true
		result.OutputPath = res.Output
		result.Format = res.Format
		result.Skipped = res.Skipped
	}

	result.ProcessTime = time.Since(startTime).Milliseconds()
	return result
}

// collectFiles lists the inputs under root that some decoder claims.
func collectFiles(root string, recursive, skipNoop bool) ([]FileTask, error) {
	var tasks []FileTask
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if len(common.GetDecoder(path, skipNoop)) > 0 {
			tasks = append(tasks, FileTask{InputPath: path})
		}
		return nil
	})
	return tasks, err
}

// processDir converts every supported file under inputDir.
func (p *processor) processDir(ctx context.Context, inputDir string, recursive bool) (*BatchResponse, error) {
	tasks, err := collectFiles(inputDir, recursive, p.skipNoopDecoder)
	if err != nil {
		return nil, fmt.Errorf("scan input dir: %w", err)
	}
	resp := newBatchProcessor(p, p.logger).processBatch(ctx, &BatchRequest{Files: tasks})
	if resp.FailedCount > 0 {
		return resp, fmt.Errorf("%d of %d files failed", resp.FailedCount, resp.TotalFiles)
	}
	return resp, nil
}

func readBatchRequest(r io.Reader) (*BatchRequest, error) {
	var request BatchRequest
	if err := serialization.ReadDocument(r, &request); err != nil {
		return nil, fmt.Errorf("read batch request: %w", err)
	}
	if len(request.Files) == 0 {
		return nil, errors.New("batch request has no files")
	}
	return &request, nil
}

// runBatchMode reads a BatchRequest from stdin and writes the BatchResponse
// to stdout.
func runBatchMode(ctx context.Context, proc *processor, in io.Reader, out io.Writer) error {
	proc.logger.Info("batch mode")

	request, err := readBatchRequest(in)
	if err != nil {
		return err
	}
	if request.Options != nil {
		proc = proc.clone(*request.Options)
	}

	response := newBatchProcessor(proc, proc.logger).processBatch(ctx, request)
	if err := serialization.WriteIndented(out, response); err != nil {
		return fmt.Errorf("write batch response: %w", err)
	}
	return nil
}
