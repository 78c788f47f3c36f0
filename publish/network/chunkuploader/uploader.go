package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader executes the operations of one upload plan.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	config = config.withDefaults()
	return &Uploader{
		config:     config,
		httpClient: config.HTTPClient,
		logger:     logger,
		stats:      &stats{},
	}
}

// Execute runs every operation against the provider's byte ranges.
// With Concurrency 1 the operations run in the planned order; with higher
// concurrency the ranges are still read per-operation, only wall-clock
// delivery order changes. The first failure cancels the remaining operations
// and is returned as an OperationError carrying the operation's index.
func (u *Uploader) Execute(ctx context.Context, provider RangeProvider, operations []Operation) error {
	if len(operations) == 0 {
		return nil
	}

	if u.config.Concurrency <= 1 {
		return u.executeSequential(ctx, provider, operations)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultChan := make(chan OperationError, len(operations))
	semaphore := make(chan struct{}, u.config.Concurrency)

	var wg sync.WaitGroup
	for i := range operations {
		wg.Add(1)
		go func(index int, op Operation) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				resultChan <- OperationError{OperationIndex: index, Err: ctx.Err()}
				return
			}
			defer func() { <-semaphore }()

			err := u.executeWithAttempts(ctx, provider, op, index, len(operations))
			if err != nil {
				// Stop the remaining operations, the upload is already failed
				cancel()
			}
			resultChan <- OperationError{OperationIndex: index, Err: err}
		}(i, operations[i])
	}
	wg.Wait()
	close(resultChan)

	// Surface the operation that actually failed, not one that was merely
	// cancelled because of it. Among real failures the lowest index wins so
	// the reported error is stable regardless of completion order.
	var firstFailed, firstCancelled *OperationError
	for result := range resultChan {
		if result.Err == nil {
			continue
		}
		r := result
		if errors.Is(result.Err, context.Canceled) {
			if firstCancelled == nil || result.OperationIndex < firstCancelled.OperationIndex {
				firstCancelled = &r
			}
			continue
		}
		if firstFailed == nil || result.OperationIndex < firstFailed.OperationIndex {
			firstFailed = &r
		}
	}
	if firstFailed != nil {
		return *firstFailed
	}
	if firstCancelled != nil {
		return *firstCancelled
	}
	return nil
}

// executeSequential runs the operations one by one in the planned order and
// stops at the first failure.
func (u *Uploader) executeSequential(ctx context.Context, provider RangeProvider, operations []Operation) error {
	for i, op := range operations {
		if err := u.executeWithAttempts(ctx, provider, op, i, len(operations)); err != nil {
			return OperationError{OperationIndex: i, Err: err}
		}
	}
	return nil
}

func (u *Uploader) executeWithAttempts(ctx context.Context, provider RangeProvider, op Operation, index, total int) error {
	var err error
	for attempt := 0; attempt < u.config.MaxAttemptsPerOperation; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}

		u.logger.Debugf("Uploading operation %d/%d, bytes [%d, %d) (attempt %d/%d) [avg=%v]",
			index+1, total, op.Offset, op.Offset+op.Length,
			attempt+1, u.config.MaxAttemptsPerOperation, u.stats.average().Round(time.Second))

		start := time.Now()
		err = u.executeOperation(ctx, provider, op)
		if err == nil {
			took := time.Since(start)
			u.stats.update(took)
			u.logger.Debugf("Operation %d/%d uploaded in %v", index+1, total, took.Round(time.Second))
			return nil
		}
		u.logger.Warnf("Operation %d attempt %d failed: %v", index+1, attempt+1, err)
	}
	return err
}

func (u *Uploader) executeOperation(ctx context.Context, provider RangeProvider, op Operation) error {
	body, err := provider.Range(op.Offset, op.Length)
	if err != nil {
		return fmt.Errorf("read byte range: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for _, header := range op.Headers {
		req.Header.Set(header.Name, header.Value)
	}
	req.ContentLength = op.Length

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(errorBody[:n]))
	}
	return nil
}

// stats tracks operation durations for progress logging.
type stats struct {
	sum      time.Duration
	finished int64
	mu       sync.Mutex
}

func (s *stats) update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

func (s *stats) average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}
