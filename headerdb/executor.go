package headerdb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quarrynet/quarry/qwire"
)

// completionQueueLen is the buffer size of the channel carrying per-query
// completion results to the executor's consumer.
const completionQueueLen = 16

// QueryID identifies a single registered query for the lifetime of an
// executor instance. IDs are fresh and strictly increasing per instance.
type QueryID uint64

// String returns a human readable representation of the query id.
func (id QueryID) String() string {
	return fmt.Sprintf("QueryID(%d)", uint64(id))
}

// QueryResult is the completion record of a single registered query. Err is
// nil if the query ran to completion and emitted its Fin.
type QueryResult struct {
	// ID is the id the query was registered under.
	ID QueryID

	// Err describes why the query stopped early, if it did.
	Err error
}

// BlockNotFoundError is returned on the completion stream when a query walks
// onto a block the store has no header for. The query's data stream is closed
// without a Fin; this error is the consumer's terminal signal.
type BlockNotFoundError struct {
	// Locator identifies the missing block.
	Locator qwire.BlockHashOrNumber

	// ID is the id of the query that hit the missing block.
	ID QueryID
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("block %v not found while executing %v", e.Locator,
		e.ID)
}

// InternalError wraps an unexpected store failure encountered while
// executing a query.
type InternalError struct {
	// ID is the id of the failed query.
	ID QueryID

	// Err is the underlying store error.
	Err error
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error executing %v: %v", e.ID, e.Err)
}

// HeaderSource abstracts the lookups a query task performs against the
// header store.
type HeaderSource interface {
	// FetchHeaderByNumber fetches the header stored for the passed block
	// number, or ErrHeaderNotFound.
	FetchHeaderByNumber(qwire.BlockNumber) (*qwire.BlockHeader, error)

	// NumberByHash resolves a block hash to its stored block number, or
	// ErrHeaderNotFound.
	NumberByHash(qwire.BlockHash) (qwire.BlockNumber, error)
}

// Executor runs registered block queries against durable storage, streaming
// each query's results into its caller-supplied sink. Per-query completion
// results surface on the Completions stream in whatever order the query
// tasks finish.
type Executor interface {
	// RegisterQuery records the query and starts a background task that
	// produces the query's Data items in order into the sink, terminated
	// by a Fin, then closes the sink. The returned id is fresh and tags
	// the query's eventual completion result.
	RegisterQuery(query qwire.BlockQuery, sink chan<- qwire.Data) QueryID

	// Completions is the stream of per-query completion results.
	Completions() <-chan QueryResult
}

// StoreExecutor is the production Executor, serving queries from a header
// store. Each registered query runs as its own goroutine; tasks block on
// sink back-pressure between sends and exit promptly on shutdown.
type StoreExecutor struct {
	started  int32 // atomic
	shutdown int32 // atomic

	source HeaderSource

	idMtx       sync.Mutex
	nextQueryID QueryID

	completions chan QueryResult

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure StoreExecutor implements Executor.
var _ Executor = (*StoreExecutor)(nil)

// NewStoreExecutor creates a new executor serving queries from the passed
// header source.
func NewStoreExecutor(source HeaderSource) *StoreExecutor {
	return &StoreExecutor{
		source:      source,
		completions: make(chan QueryResult, completionQueueLen),
		quit:        make(chan struct{}),
	}
}

// Start readies the executor to accept queries.
func (e *StoreExecutor) Start() error {
	if atomic.AddInt32(&e.started, 1) != 1 {
		return nil
	}

	log.Tracef("StoreExecutor starting")
	return nil
}

// Stop signals every in-flight query task to exit and blocks until they
// have. Sinks of aborted tasks are closed without a Fin.
func (e *StoreExecutor) Stop() error {
	if atomic.AddInt32(&e.shutdown, 1) != 1 {
		return nil
	}

	close(e.quit)
	e.wg.Wait()

	return nil
}

// RegisterQuery records the query and spawns its execution task.
//
// This is part of the Executor interface.
func (e *StoreExecutor) RegisterQuery(query qwire.BlockQuery,
	sink chan<- qwire.Data) QueryID {

	e.idMtx.Lock()
	id := e.nextQueryID
	e.nextQueryID++
	e.idMtx.Unlock()

	log.Debugf("Registered %v: %v headers %v from %v, step %v", id,
		query.Limit, query.Direction, query.Start, query.Step)

	e.wg.Add(1)
	go e.runQuery(id, query, sink)

	return id
}

// Completions is the stream of per-query completion results.
//
// This is part of the Executor interface.
func (e *StoreExecutor) Completions() <-chan QueryResult {
	return e.completions
}

// runQuery executes a single registered query, pushing results into the sink
// in query order. The sink is closed when the task ends, whether the query
// ran to completion or stopped on an error.
//
// NOTE: This method MUST be run as a goroutine.
func (e *StoreExecutor) runQuery(id QueryID, query qwire.BlockQuery,
	sink chan<- qwire.Data) {

	defer e.wg.Done()
	defer close(sink)

	start, err := e.resolveStart(id, query.Start)
	if err != nil {
		e.reportCompletion(QueryResult{ID: id, Err: err})
		return
	}

	current := start
	for i := uint64(0); i < query.Limit; i++ {
		header, err := e.source.FetchHeaderByNumber(current)
		switch {
		case err == ErrHeaderNotFound:
			e.reportCompletion(QueryResult{
				ID: id,
				Err: &BlockNotFoundError{
					Locator: qwire.NumberLocator{
						Number: current,
					},
					ID: id,
				},
			})
			return

		case err != nil:
			e.reportCompletion(QueryResult{
				ID:  id,
				Err: &InternalError{ID: id, Err: err},
			})
			return
		}

		item := &qwire.HeaderAndSignature{Header: *header}
		if !e.send(sink, item) {
			return
		}

		// Step to the next block of the range. A backward walk that
		// would cross below genesis ends the range early: the headers
		// produced so far are everything the chain holds.
		if query.Direction == qwire.Backward {
			if uint64(current) < query.Step {
				break
			}
			current -= qwire.BlockNumber(query.Step)
		} else {
			current += qwire.BlockNumber(query.Step)
		}
	}

	if !e.send(sink, &qwire.Fin{}) {
		return
	}

	e.reportCompletion(QueryResult{ID: id})
}

// resolveStart maps the query's start locator onto a concrete block number.
func (e *StoreExecutor) resolveStart(id QueryID,
	locator qwire.BlockHashOrNumber) (qwire.BlockNumber, error) {

	switch loc := locator.(type) {
	case qwire.NumberLocator:
		return loc.Number, nil

	case qwire.HashLocator:
		n, err := e.source.NumberByHash(loc.Hash)
		if err == ErrHeaderNotFound {
			return 0, &BlockNotFoundError{Locator: loc, ID: id}
		}
		if err != nil {
			return 0, &InternalError{ID: id, Err: err}
		}
		return n, nil

	default:
		return 0, &InternalError{
			ID:  id,
			Err: fmt.Errorf("unknown locator type %T", locator),
		}
	}
}

// send delivers a single data item into the sink, waiting for the consumer's
// readiness. It returns false if the executor shut down before the item
// could be delivered.
func (e *StoreExecutor) send(sink chan<- qwire.Data, data qwire.Data) bool {
	select {
	case sink <- data:
		return true
	case <-e.quit:
		return false
	}
}

// reportCompletion publishes a query's completion result.
func (e *StoreExecutor) reportCompletion(result QueryResult) {
	if result.Err != nil {
		log.Errorf("Query failed: %v", result.Err)
	} else {
		log.Tracef("%v completed", result.ID)
	}

	select {
	case e.completions <- result:
	case <-e.quit:
	}
}
