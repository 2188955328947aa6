// internal/findings/processor.go
package findings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
)

// Recorder persists one finding. *Ledger implements it.
type Recorder interface {
	Record(ctx context.Context, f schemas.Finding) (schemas.Finding, error)
}

// Summary counts the outcome of a bulk load.
type Summary struct {
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Processor accepts findings from many concurrent producers over a channel
// and records them in batches from a single goroutine, so authoring
// processes never write to the store at the same time. A failing finding
// is counted and logged; it never stops the batch.
type Processor struct {
	inputChan <-chan schemas.Finding
	recorder  Recorder
	logger    *zap.Logger
	cfg       config.IngestConfig

	buffer  []schemas.Finding
	mu      sync.Mutex
	summary Summary

	// Signals for synchronization
	flushSignal chan struct{}
	stopSignal  chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewProcessor initializes a new findings processor.
func NewProcessor(inputChan <-chan schemas.Finding, recorder Recorder, logger *zap.Logger, cfg config.IngestConfig) *Processor {
	if cfg.FindingsBatchSize <= 0 {
		cfg.FindingsBatchSize = 100
	}
	if cfg.FindingsFlushInterval <= 0 {
		cfg.FindingsFlushInterval = 2 * time.Second
	}

	return &Processor{
		inputChan:   inputChan,
		recorder:    recorder,
		logger:      logger.Named("findings_processor"),
		cfg:         cfg,
		buffer:      make([]schemas.Finding, 0, cfg.FindingsBatchSize),
		flushSignal: make(chan struct{}, 1), // Buffered so a full batch never blocks the sender.
		stopSignal:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the processing loop until the input channel is closed, Stop
// is called, or ctx is cancelled. Buffered findings are flushed on exit
// except on cancellation. Start must be called exactly once.
func (p *Processor) Start(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FindingsFlushInterval)
	defer ticker.Stop()

	p.logger.Debug("Findings processor started.",
		zap.Int("batch_size", p.cfg.FindingsBatchSize),
		zap.Duration("flush_interval", p.cfg.FindingsFlushInterval))

	for {
		select {
		case finding, ok := <-p.inputChan:
			if !ok {
				p.flush(ctx)
				return
			}
			p.processFinding(finding)

		case <-ticker.C:
			p.flush(ctx)

		case <-p.flushSignal:
			p.flush(ctx)

		case <-ctx.Done():
			p.logger.Warn("Context cancelled. Dropping buffered findings.", zap.Int("buffered", p.buffered()))
			p.discard()
			return

		case <-p.stopSignal:
			p.drainChannel()
			p.flush(ctx)
			return
		}
	}
}

// drainChannel reads any remaining findings from the input channel until it's empty.
func (p *Processor) drainChannel() {
	for {
		select {
		case finding, ok := <-p.inputChan:
			if !ok {
				return
			}
			p.processFinding(finding)
		default:
			return
		}
	}
}

// processFinding buffers a finding and requests a flush when the batch is full.
func (p *Processor) processFinding(finding schemas.Finding) {
	p.mu.Lock()
	p.buffer = append(p.buffer, finding)
	full := len(p.buffer) >= p.cfg.FindingsBatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.flushSignal <- struct{}{}:
		default:
			// Signal already pending.
		}
	}
}

func (p *Processor) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Processor) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Skipped += len(p.buffer)
	p.buffer = p.buffer[:0]
}

// flush records the current buffer in arrival order.
func (p *Processor) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := make([]schemas.Finding, len(p.buffer))
	copy(batch, p.buffer)
	p.buffer = p.buffer[:0]
	p.mu.Unlock()

	succeeded := 0
	var failures []string
	for _, f := range batch {
		if _, err := p.recorder.Record(ctx, f); err != nil {
			p.logger.Warn("Failed to record finding.", zap.String("title", f.Title), zap.Error(err))
			failures = append(failures, err.Error())
			continue
		}
		succeeded++
	}

	p.mu.Lock()
	p.summary.Succeeded += succeeded
	p.summary.Failed += len(failures)
	p.summary.Errors = append(p.summary.Errors, failures...)
	p.mu.Unlock()

	p.logger.Debug("Flushed findings batch.", zap.Int("recorded", succeeded), zap.Int("failed", len(failures)))
}

// Stop gracefully shuts down the processor and waits for the final flush.
// It is safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopSignal) })
	<-p.done
}

// Wait blocks until Start returns, typically after the producers closed
// the input channel.
func (p *Processor) Wait() {
	<-p.done
}

// Summary returns the counts accumulated so far.
func (p *Processor) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.summary
	out.Errors = append([]string(nil), p.summary.Errors...)
	return out
}
