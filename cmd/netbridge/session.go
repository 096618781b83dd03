package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-netbridge/bridge"
	"github.com/wippyai/wasm-netbridge/config"
)

const (
	maxPendingRequests = 128
	maxSubscriptions   = 1024
)

// session runs a bridge and collects JSON-RPC responses from every chain.
type session struct {
	bridge *bridge.Bridge
	logger *zap.Logger

	mu     sync.Mutex
	chains []uint32

	wake      chan struct{}
	responses chan string
	crashed   chan bridge.EventCrashed
	stop      context.CancelFunc

	// done is closed when Run returns; runErr is valid after that.
	done   chan struct{}
	runErr error
}

func startSession(ctx context.Context, wasm []byte, cfg *config.Config, logger *zap.Logger) (*session, error) {
	s := &session{
		logger:    logger,
		wake:      make(chan struct{}, 1),
		responses: make(chan string, 64),
		crashed:   make(chan bridge.EventCrashed, 1),
		done:      make(chan struct{}),
	}

	b, err := bridge.New(ctx, wasm, bridge.Config{
		Logger:               logger,
		LogLevel:             cfg.LogLevel,
		CPURateLimit:         cfg.CPURateLimit,
		Policy:               cfg.Policy(),
		SendBufferBytes:      cfg.SendBufferBytes,
		SubstreamBufferBytes: cfg.SubstreamBufferBytes,
		DialTimeout:          cfg.DialTimeout,
		ICEServers:           cfg.WebRTCICEServers(),
		MemoryLimitPages:     cfg.MemoryLimitPages,
		OnEvent:              s.onEvent,
	})
	if err != nil {
		return nil, err
	}
	s.bridge = b

	runCtx, stop := context.WithCancel(ctx)
	s.stop = stop
	go func() {
		defer close(s.done)
		s.runErr = b.Run(runCtx)
	}()
	go s.pump(runCtx)
	return s, nil
}

// onEvent runs on the bridge loop and must not block.
func (s *session) onEvent(ev bridge.Event) {
	switch ev := ev.(type) {
	case bridge.EventJSONRPCResponses:
		select {
		case s.wake <- struct{}{}:
		default:
		}
	case bridge.EventCrashed:
		select {
		case s.crashed <- ev:
		default:
		}
	case bridge.EventExecutorShutdown:
		s.logger.Debug("executor shut down")
	}
}

// pump drains the response queues of every chain whenever one becomes
// non-empty.
func (s *session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for _, chain := range s.chainIDs() {
			for {
				response, ok, err := s.bridge.NextJSONRPCResponse(ctx, chain)
				if err != nil || !ok {
					break
				}
				select {
				case s.responses <- response:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *session) chainIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.chains...)
}

// target is the chain requests are sent to: the last one added.
func (s *session) target() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[len(s.chains)-1]
}

// loadChainSpec reads a chain spec, stripping comments and trailing commas.
func loadChainSpec(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read chain spec: %w", err)
	}
	return string(jsonc.ToJSON(data)), nil
}

// addChains adds every spec in order. Earlier chains are offered as relay
// chains to later ones.
func (s *session) addChains(ctx context.Context, paths []string) error {
	for _, path := range paths {
		spec, err := loadChainSpec(path)
		if err != nil {
			return err
		}
		id, err := s.bridge.AddChain(ctx, bridge.ChainConfig{
			Spec:                 spec,
			MaxPendingRequests:   maxPendingRequests,
			MaxSubscriptions:     maxSubscriptions,
			PotentialRelayChains: s.chainIDs(),
		})
		if err != nil {
			return fmt.Errorf("add chain %s: %w", path, err)
		}
		healthy, err := s.bridge.ChainIsOK(ctx, id)
		if err != nil {
			return err
		}
		if !healthy {
			message, err := s.bridge.ChainError(ctx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("add chain %s: %s", path, message)
		}

		s.mu.Lock()
		s.chains = append(s.chains, id)
		s.mu.Unlock()
		s.logger.Info("chain added", zap.String("spec", path), zap.Uint32("chain", id))
	}
	return nil
}

func (s *session) send(ctx context.Context, request string) error {
	return s.bridge.JSONRPCSend(ctx, s.target(), request)
}

func (s *session) close() {
	s.bridge.Shutdown()
	select {
	case <-s.done:
		if s.runErr != nil {
			s.logger.Debug("bridge stopped", zap.Error(s.runErr))
		}
	case <-time.After(5 * time.Second):
		s.logger.Warn("bridge did not stop in time")
	}
	s.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bridge.Close(ctx); err != nil {
		s.logger.Warn("close bridge", zap.Error(err))
	}
}
