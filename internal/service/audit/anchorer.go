package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/audit"
	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/domain/values"
	"github.com/yachaq/privacy-core/internal/metrics"
)

// Anchorer batches receipts into Merkle trees and commits the roots to
// an external sink. A shard is anchored whenever it has accumulated a
// full batch past its last anchor.
type Anchorer struct {
	logger    *zap.Logger
	receipts  ReceiptRepository
	anchors   AnchorRepository
	sink      AnchorSink
	batchSize int

	chainMu sync.RWMutex
	chain   Service

	notify chan string
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewAnchorer creates an anchorer. Call Start to begin processing and
// Bind once the chain service exists so anchor receipts can be
// appended.
func NewAnchorer(logger *zap.Logger, receipts ReceiptRepository, anchors AnchorRepository, sink AnchorSink, batchSize int) *Anchorer {
	if batchSize <= 0 {
		batchSize = audit.DefaultAnchorBatchSize
	}
	return &Anchorer{
		logger:    logger,
		receipts:  receipts,
		anchors:   anchors,
		sink:      sink,
		batchSize: batchSize,
		notify:    make(chan string, 256),
		stop:      make(chan struct{}),
	}
}

// Bind attaches the chain service used to append anchor receipts
func (a *Anchorer) Bind(chain Service) {
	a.chainMu.Lock()
	a.chain = chain
	a.chainMu.Unlock()
}

// Start launches the background anchoring loop
func (a *Anchorer) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop shuts the anchoring loop down and waits for it
func (a *Anchorer) Stop() {
	close(a.stop)
	a.wg.Wait()
}

// NotifyAppended signals that a shard gained a receipt. Never blocks;
// a dropped notification is picked up by the next one.
func (a *Anchorer) NotifyAppended(shard string) {
	select {
	case a.notify <- shard:
	default:
	}
}

func (a *Anchorer) loop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stop:
			return
		case shard := <-a.notify:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := a.anchorIfDue(ctx, shard); err != nil {
				a.logger.Error("anchoring failed",
					zap.String("shard", shard), zap.Error(err))
			}
			cancel()
		}
	}
}

// anchorIfDue anchors every full batch a shard has accumulated
func (a *Anchorer) anchorIfDue(ctx context.Context, shard string) error {
	for {
		anchored, err := a.anchorNextBatch(ctx, shard)
		if err != nil || !anchored {
			return err
		}
	}
}

// anchorNextBatch anchors one full batch if available. Returns false
// when the shard has fewer than batchSize unanchored receipts.
func (a *Anchorer) anchorNextBatch(ctx context.Context, shard string) (bool, error) {
	afterSeq := uint64(0)
	if latest, err := a.anchors.Latest(ctx, shard); err != nil {
		return false, errors.NewInternalError("failed to load latest anchor").WithCause(err)
	} else if latest != nil {
		afterSeq = latest.LastSequence.Uint64()
	}

	batch, err := a.receipts.ListUnanchored(ctx, shard, afterSeq, a.batchSize)
	if err != nil {
		return false, errors.NewInternalError("failed to list unanchored receipts").WithCause(err)
	}
	if len(batch) < a.batchSize {
		return false, nil
	}

	leaves := make([]values.HashValue, len(batch))
	for i, r := range batch {
		leaves[i] = r.Hash
	}

	tree, err := audit.NewMerkleTree(leaves)
	if err != nil {
		return false, err
	}

	anchor, err := audit.NewAnchor(shard, tree.Root(),
		batch[0].SequenceNumber, batch[len(batch)-1].SequenceNumber, len(batch))
	if err != nil {
		return false, err
	}

	ref, err := a.sink.Commit(ctx, shard, tree.Root())
	if err != nil {
		return false, errors.NewExternalError("anchor sink", "root commit failed").WithCause(err)
	}
	anchor.ExternalRef = ref

	if err := a.anchors.Insert(ctx, anchor); err != nil {
		return false, errors.NewInternalError("failed to persist anchor").WithCause(err)
	}

	metrics.AnchorsCreated.Inc()
	a.logger.Info("batch anchored",
		zap.String("shard", shard),
		zap.String("root", anchor.Root.Truncate()),
		zap.Uint64("first_seq", anchor.FirstSequence.Uint64()),
		zap.Uint64("last_seq", anchor.LastSequence.Uint64()))

	a.appendAnchorReceipt(ctx, anchor)
	return true, nil
}

// appendAnchorReceipt chains the anchor itself. Failure here is logged
// but does not unwind the anchor; the anchor row is the source of
// truth.
func (a *Anchorer) appendAnchorReceipt(ctx context.Context, anchor *audit.Anchor) {
	a.chainMu.RLock()
	chain := a.chain
	a.chainMu.RUnlock()
	if chain == nil {
		return
	}

	_, err := chain.Append(ctx, AppendRequest{
		Shard:        anchor.Shard,
		EventType:    audit.EventAnchorCreated,
		ActorID:      "anchorer",
		ActorType:    "system",
		ResourceID:   anchor.ID.String(),
		ResourceType: "anchor",
		Details: map[string]interface{}{
			"root":      anchor.Root.String(),
			"first_seq": anchor.FirstSequence.Uint64(),
			"last_seq":  anchor.LastSequence.Uint64(),
			"ref":       anchor.ExternalRef,
		},
		IdempotencyKey: "anchor:" + anchor.Shard + ":" + anchor.LastSequence.String(),
	})
	if err != nil {
		a.logger.Error("failed to append anchor receipt", zap.Error(err))
	}
}

// Prove builds the serialized Merkle inclusion proof of a receipt
// against its covering anchor.
func (a *Anchorer) Prove(ctx context.Context, receiptID uuid.UUID) (string, error) {
	receipt, err := a.receipts.GetByID(ctx, receiptID)
	if err != nil {
		return "", err
	}
	if receipt == nil {
		return "", errors.ErrReceiptNotFound
	}

	anchor, err := a.anchors.FindCovering(ctx, receipt.Shard, receipt.SequenceNumber.Uint64())
	if err != nil {
		return "", errors.NewInternalError("failed to look up covering anchor").WithCause(err)
	}
	if anchor == nil {
		return "", errors.NewBusinessError("NOT_ANCHORED",
			"receipt is not covered by an anchor yet")
	}

	batch, err := a.receipts.ListRange(ctx, receipt.Shard, anchor.FirstSequence, anchor.LastSequence)
	if err != nil {
		return "", errors.NewInternalError("failed to load anchored batch").WithCause(err)
	}

	leaves := make([]values.HashValue, len(batch))
	index := -1
	for i, r := range batch {
		leaves[i] = r.Hash
		if r.ID == receiptID {
			index = i
		}
	}
	if index < 0 {
		return "", errors.NewIntegrityError("ANCHOR_BATCH_MISMATCH",
			"receipt missing from its anchored batch")
	}

	tree, err := audit.NewMerkleTree(leaves)
	if err != nil {
		return "", err
	}
	if !tree.Root().Equal(anchor.Root) {
		return "", errors.NewIntegrityError("ANCHOR_ROOT_MISMATCH",
			"recomputed batch root does not match the anchor")
	}

	proof, err := tree.Proof(index)
	if err != nil {
		return "", err
	}
	return proof.Serialize(), nil
}
