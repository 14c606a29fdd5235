package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/token-indexer/pkg/ledger"
	"github.com/ava-labs/token-indexer/pkg/metrics"
)

var (
	// ErrAdmissionFull is returned by RegisterToken when the admission queue is at capacity.
	ErrAdmissionFull = errors.New("admission queue full")
	// ErrStopped is returned by RegisterToken once the supervisor is shutting down.
	ErrStopped = errors.New("supervisor stopped")
)

const (
	DefaultSymbol            = "TEST"
	DefaultDecimals    int16 = 6
	DefaultAdmission         = 16
	DefaultConcurrentScans   = 8

	phaseScan   = "scan"
	phaseFollow = "follow"
)

// DefaultBootstrapContracts seeds an empty store.
var DefaultBootstrapContracts = []common.Address{
	common.HexToAddress("0x50327c6c5a14DCaDE707ABad2E27eB517df87AB5"),
	common.HexToAddress("0x582d872A1B094FC48F5DE31D3B73F2D9bE47def1"),
	common.HexToAddress("0x2AF5D2aD76741191D15Dfe7bF6aC92d4Bd912Ca3"),
	common.HexToAddress("0xc5f0f7b66764F6ec8C8Dff7BA683102295E16409"),
}

// MetadataResolver looks up symbol and decimals for a newly registered token.
type MetadataResolver interface {
	TokenMetadata(ctx context.Context, contract common.Address) (symbol string, decimals int16, err error)
}

// SupervisorConfig configures token admission and pipeline limits.
type SupervisorConfig struct {
	StartBlock         int64            // First block scanned for a new token
	BootstrapContracts []common.Address // Registered when the store holds no tokens
	AdmissionCapacity  int              // Registrations that may wait for a pipeline
	MaxConcurrentScans int64            // Backfill scans running at once; live followers are not limited
	DefaultSymbol      string
	DefaultDecimals    int16
}

// DefaultSupervisorConfig returns the configuration used by the run command.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		BootstrapContracts: DefaultBootstrapContracts,
		AdmissionCapacity:  DefaultAdmission,
		MaxConcurrentScans: DefaultConcurrentScans,
		DefaultSymbol:      DefaultSymbol,
		DefaultDecimals:    DefaultDecimals,
	}
}

type pipelineResult struct {
	token ledger.Token
	phase string
	err   error
}

// Supervisor owns one pipeline (backfill then live follow) per tracked token.
//
// Pipelines are started from a single control loop that also collects their
// results, so the ownership map is only touched by Run. A failed pipeline is
// logged and dropped without affecting the others.
type Supervisor struct {
	store    ledger.Store
	scanner  *Scanner
	follower *Follower
	resolver MetadataResolver
	cfg      SupervisorConfig
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	scanSem *semaphore.Weighted

	mu        sync.RWMutex // guards stopped against sends on admission
	stopped   bool
	admission chan ledger.Token
	done      chan pipelineResult

	pipelines map[int64]ledger.Token
	active    atomic.Int64
}

func NewSupervisor(
	store ledger.Store,
	scanner *Scanner,
	follower *Follower,
	resolver MetadataResolver,
	cfg SupervisorConfig,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Supervisor, error) {
	if store == nil {
		return nil, errors.New("invalid store: must not be nil")
	}
	if scanner == nil {
		return nil, errors.New("invalid scanner: must not be nil")
	}
	if follower == nil {
		return nil, errors.New("invalid follower: must not be nil")
	}
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.AdmissionCapacity <= 0 {
		return nil, errors.New("invalid admission capacity: must be greater than 0")
	}
	if cfg.MaxConcurrentScans <= 0 {
		return nil, errors.New("invalid max concurrent scans: must be greater than 0")
	}
	if cfg.StartBlock < 0 {
		return nil, errors.New("invalid start block: must not be negative")
	}
	if cfg.DefaultSymbol == "" {
		cfg.DefaultSymbol = DefaultSymbol
	}

	return &Supervisor{
		store:     store,
		scanner:   scanner,
		follower:  follower,
		resolver:  resolver,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		scanSem:   semaphore.NewWeighted(cfg.MaxConcurrentScans),
		admission: make(chan ledger.Token, cfg.AdmissionCapacity),
		done:      make(chan pipelineResult),
		pipelines: make(map[int64]ledger.Token),
	}, nil
}

// ActivePipelines returns the number of running pipelines.
func (s *Supervisor) ActivePipelines() int {
	return int(s.active.Load())
}

// RegisterToken validates and persists a new token and queues it for a pipeline.
// It never waits for a pipeline slot: a full queue fails with ErrAdmissionFull
// before anything is written.
func (s *Supervisor) RegisterToken(ctx context.Context, contractHex string) (ledger.Token, error) {
	contract, err := ledger.ParseAddress(contractHex)
	if err != nil {
		return ledger.Token{}, err
	}
	if err := s.checkAdmission(); err != nil {
		return ledger.Token{}, err
	}

	symbol, decimals := s.metadata(ctx, contract)
	token, err := s.store.CreateToken(ctx, contract, s.cfg.StartBlock-1, symbol, decimals)
	if err != nil {
		return ledger.Token{}, err
	}

	if err := s.admit(token); err != nil {
		// the row is persisted and will be picked up by the next bootstrap
		s.log.Warnw("token persisted but not admitted",
			"contract", contract.Hex(),
			"token_id", token.ID,
			"error", err,
		)
		return token, err
	}
	s.log.Infow("token registered", "contract", contract.Hex(), "token_id", token.ID)
	return token, nil
}

func (s *Supervisor) checkAdmission() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	if len(s.admission) >= cap(s.admission) {
		s.metrics.IncAdmissionRejected()
		return ErrAdmissionFull
	}
	return nil
}

func (s *Supervisor) admit(token ledger.Token) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.admission <- token:
		s.metrics.SetAdmissionDepth(len(s.admission))
		return nil
	default:
		s.metrics.IncAdmissionRejected()
		return ErrAdmissionFull
	}
}

func (s *Supervisor) metadata(ctx context.Context, contract common.Address) (string, int16) {
	if s.resolver == nil {
		return s.cfg.DefaultSymbol, s.cfg.DefaultDecimals
	}
	symbol, decimals, err := s.resolver.TokenMetadata(ctx, contract)
	if err != nil || symbol == "" {
		s.log.Debugw("token metadata unavailable, using defaults", "contract", contract.Hex(), "error", err)
		return s.cfg.DefaultSymbol, s.cfg.DefaultDecimals
	}
	return symbol, decimals
}

// Bootstrap returns every persisted token, seeding the bootstrap contracts first
// when the store is empty.
func (s *Supervisor) Bootstrap(ctx context.Context) ([]ledger.Token, error) {
	count, err := s.store.GetTokenCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tokens: %w", err)
	}

	if count == 0 {
		for _, contract := range s.cfg.BootstrapContracts {
			symbol, decimals := s.metadata(ctx, contract)
			_, err := s.store.CreateToken(ctx, contract, s.cfg.StartBlock-1, symbol, decimals)
			if err != nil && !errors.Is(err, ledger.ErrDuplicateToken) {
				return nil, fmt.Errorf("seed token %s: %w", contract.Hex(), err)
			}
		}
		s.log.Infow("seeded empty store", "tokens", len(s.cfg.BootstrapContracts))
	}

	var tokens []ledger.Token
	for page := (ledger.Page{Number: 1, Size: ledger.MaxPageSize}); ; page.Number++ {
		batch, err := s.store.ListTokens(ctx, page, ledger.TokenSortID)
		if err != nil {
			return nil, fmt.Errorf("list tokens: %w", err)
		}
		tokens = append(tokens, batch...)
		if len(batch) < page.Size {
			break
		}
	}
	return tokens, nil
}

// Run bootstraps, starts a pipeline per token and then serves admissions and
// pipeline completions until ctx is cancelled. On cancellation it stops
// admitting, waits for every pipeline to return and returns nil. Only a
// bootstrap failure is returned as an error.
func (s *Supervisor) Run(ctx context.Context) error {
	tokens, err := s.Bootstrap(ctx)
	if err != nil {
		s.stop()
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.log.Infow("bootstrapped", "tokens", len(tokens))
	for _, t := range tokens {
		s.start(ctx, t)
	}
	s.log.Infow("supervisor started", "pipelines", len(s.pipelines))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case t := <-s.admission:
			s.metrics.SetAdmissionDepth(len(s.admission))
			s.start(ctx, t)

		case r := <-s.done:
			s.finish(r)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, t ledger.Token) {
	if _, ok := s.pipelines[t.ID]; ok {
		s.log.Warnw("pipeline already running", "contract", t.Contract.Hex(), "token_id", t.ID)
		return
	}
	s.pipelines[t.ID] = t
	s.active.Store(int64(len(s.pipelines)))
	s.metrics.SetActivePipelines(len(s.pipelines))

	go func() {
		s.done <- s.runPipeline(ctx, t)
	}()
}

func (s *Supervisor) finish(r pipelineResult) {
	delete(s.pipelines, r.token.ID)
	s.active.Store(int64(len(s.pipelines)))
	s.metrics.SetActivePipelines(len(s.pipelines))

	if r.err == nil || errors.Is(r.err, context.Canceled) {
		s.log.Infow("pipeline stopped", "contract", r.token.Contract.Hex(), "token_id", r.token.ID)
		return
	}
	s.metrics.IncPipelineFailure(r.phase)
	s.log.Errorw("pipeline failed",
		"contract", r.token.Contract.Hex(),
		"token_id", r.token.ID,
		"phase", r.phase,
		"error", r.err,
	)
}

func (s *Supervisor) runPipeline(ctx context.Context, t ledger.Token) pipelineResult {
	if err := s.scanSem.Acquire(ctx, 1); err != nil {
		return pipelineResult{token: t, phase: phaseScan, err: err}
	}
	t, err := s.scanner.Run(ctx, t)
	s.scanSem.Release(1)
	if err != nil {
		return pipelineResult{token: t, phase: phaseScan, err: err}
	}

	err = s.follower.Run(ctx, t)
	return pipelineResult{token: t, phase: phaseFollow, err: err}
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Supervisor) shutdown() {
	s.stop()
	if pending := len(s.admission); pending > 0 {
		s.log.Infow("dropping queued registrations, they resume on next start", "pending", pending)
	}
	s.log.Infow("waiting for pipelines", "pipelines", len(s.pipelines))
	for len(s.pipelines) > 0 {
		s.finish(<-s.done)
	}
	s.log.Info("supervisor stopped")
}
