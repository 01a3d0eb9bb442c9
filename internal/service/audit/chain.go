package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/metrics"
)

// DefaultShard is used when an append does not name a shard
const DefaultShard = "primary"

// Ensure chain implements the interface
var _ Service = (*chain)(nil)

// chain is the receipt chain service. Appends for a shard are routed
// to that shard's single writer goroutine, which is what keeps the
// chain balanced: exactly one writer extends a shard, so no two
// receipts ever race for the same previous hash.
type chain struct {
	logger   *zap.Logger
	repo     ReceiptRepository
	anchorer *Anchorer

	mu      sync.RWMutex
	writers map[string]*shardWriter
	closed  bool
}

// NewChain creates the receipt chain service. anchorer may be nil when
// anchoring is disabled.
func NewChain(logger *zap.Logger, repo ReceiptRepository, anchorer *Anchorer) Service {
	return &chain{
		logger:   logger,
		repo:     repo,
		anchorer: anchorer,
		writers:  make(map[string]*shardWriter),
	}
}

type appendResult struct {
	receipt *audit.Receipt
	err     error
}

type appendTask struct {
	ctx     context.Context
	receipt *audit.Receipt
	reply   chan appendResult
}

// shardWriter serializes appends for one shard
type shardWriter struct {
	shard    string
	tasks    chan appendTask
	lastHash string
	lastSeq  values.SequenceNumber
}

// Append chains a new receipt onto the shard named in the request.
// Appends with an idempotency key already in the chain return the
// original receipt and write nothing.
func (c *chain) Append(ctx context.Context, req AppendRequest) (*audit.Receipt, error) {
	if req.Shard == "" {
		req.Shard = DefaultShard
	}

	// idempotency fast path, re-checked by the writer under the
	// shard lock
	if existing, err := c.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil && existing != nil {
		return existing, nil
	}

	receipt, err := audit.NewReceipt(req.EventType, req.ActorID, req.ActorType,
		req.ResourceID, req.ResourceType, req.Details, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	writer, err := c.writer(ctx, req.Shard)
	if err != nil {
		return nil, err
	}

	reply := make(chan appendResult, 1)
	if err := c.submit(writer, appendTask{ctx: ctx, receipt: receipt, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case result := <-reply:
		return result.receipt, result.err
	case <-ctx.Done():
		return nil, errors.NewInternalError("append cancelled").WithCause(ctx.Err())
	}
}

// submit enqueues a task while holding the read lock, so Close can
// never close the task channel out from under a sender.
func (c *chain) submit(w *shardWriter, task appendTask) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.NewInternalError("audit chain is shut down")
	}

	select {
	case w.tasks <- task:
		return nil
	case <-task.ctx.Done():
		return errors.NewInternalError("append cancelled").WithCause(task.ctx.Err())
	}
}

// writer returns the shard's writer, starting it on first use. The
// writer loads the shard tail once and then tracks it in memory.
func (c *chain) writer(ctx context.Context, shard string) (*shardWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.NewInternalError("audit chain is shut down")
	}

	if w, ok := c.writers[shard]; ok {
		return w, nil
	}

	w := &shardWriter{
		shard: shard,
		tasks: make(chan appendTask, 64),
	}

	tail, err := c.repo.Tail(ctx, shard)
	if err != nil {
		return nil, errors.NewInternalError("failed to load shard tail").WithCause(err)
	}
	if tail != nil {
		w.lastHash = tail.Hash.String()
		w.lastSeq = tail.SequenceNumber
	}

	c.writers[shard] = w
	go c.run(w)
	return w, nil
}

func (c *chain) run(w *shardWriter) {
	logger := c.logger.With(zap.String("shard", w.shard))
	logger.Debug("chain writer started")

	for task := range w.tasks {
		task.reply <- c.process(task.ctx, w, task.receipt)
	}

	logger.Debug("chain writer stopped")
}

// process seals and persists one receipt. Runs only on the shard's
// writer goroutine.
func (c *chain) process(ctx context.Context, w *shardWriter, receipt *audit.Receipt) appendResult {
	// re-check idempotency under the writer so two concurrent appends
	// with the same key cannot both insert
	if existing, err := c.repo.GetByIdempotencyKey(ctx, receipt.IdempotencyKey); err == nil && existing != nil {
		return appendResult{receipt: existing}
	}

	previous := audit.GenesisHash
	seq := values.FirstSequenceNumber()
	if !w.lastSeq.IsZero() {
		previous = w.lastHash
		seq = w.lastSeq.Next()
	}

	if err := receipt.Seal(w.shard, seq, previous); err != nil {
		return appendResult{err: err}
	}

	if err := c.repo.Insert(ctx, receipt); err != nil {
		// the tail cache is only advanced on success, so a failed
		// insert leaves the chain intact
		return appendResult{err: errors.NewInternalError("failed to persist receipt").WithCause(err)}
	}

	w.lastHash = receipt.Hash.String()
	w.lastSeq = receipt.SequenceNumber

	metrics.ReceiptsAppended.WithLabelValues(receipt.EventType.String()).Inc()
	c.logger.Debug("receipt appended",
		zap.String("shard", w.shard),
		zap.String("receipt_id", receipt.ID.String()),
		zap.Uint64("sequence", receipt.SequenceNumber.Uint64()),
		zap.String("event_type", receipt.EventType.String()))

	if c.anchorer != nil {
		c.anchorer.NotifyAppended(w.shard)
	}

	return appendResult{receipt: receipt}
}

// GetReceipt loads one receipt by ID
func (c *chain) GetReceipt(ctx context.Context, id uuid.UUID) (*audit.Receipt, error) {
	receipt, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, errors.ErrReceiptNotFound
	}
	return receipt, nil
}

// ListReceipts returns the receipts of a shard for a sequence range,
// in sequence order.
func (c *chain) ListReceipts(ctx context.Context, shard string, from, to uint64) ([]*audit.Receipt, error) {
	if shard == "" {
		shard = DefaultShard
	}
	if from == 0 || to < from {
		return nil, errors.NewValidationError("INVALID_RANGE",
			"listing range must start at 1 or later and not be inverted")
	}

	fromSeq, err := values.NewSequenceNumber(from)
	if err != nil {
		return nil, err
	}
	toSeq, err := values.NewSequenceNumber(to)
	if err != nil {
		return nil, err
	}

	receipts, err := c.repo.ListRange(ctx, shard, fromSeq, toSeq)
	if err != nil {
		return nil, errors.NewInternalError("failed to load receipts").WithCause(err)
	}
	return receipts, nil
}

// VerifyRange verifies chain integrity for a sequence range of a shard
func (c *chain) VerifyRange(ctx context.Context, shard string, from, to uint64) (*audit.ChainVerificationResult, error) {
	if shard == "" {
		shard = DefaultShard
	}
	if from == 0 || to < from {
		return nil, errors.NewValidationError("INVALID_RANGE",
			"verification range must start at 1 or later and not be inverted")
	}

	fromSeq, err := values.NewSequenceNumber(from)
	if err != nil {
		return nil, err
	}
	toSeq, err := values.NewSequenceNumber(to)
	if err != nil {
		return nil, err
	}

	receipts, err := c.repo.ListRange(ctx, shard, fromSeq, toSeq)
	if err != nil {
		return nil, errors.NewInternalError("failed to load receipts").WithCause(err)
	}

	return audit.NewHashChainVerifier().VerifySequential(receipts)
}

// Prove returns the serialized Merkle inclusion proof for a receipt
func (c *chain) Prove(ctx context.Context, receiptID uuid.UUID) (string, error) {
	if c.anchorer == nil {
		return "", errors.NewBusinessError("ANCHORING_DISABLED",
			"anchoring is not enabled")
	}
	return c.anchorer.Prove(ctx, receiptID)
}

// Close stops all shard writers. Pending appends are completed first.
func (c *chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, w := range c.writers {
		close(w.tasks)
	}
}
