// Package session owns the custodial wallet signing session: device
// identity, device credential issuance, the social-login handshake, and
// challenge execution. It is the only writer of session state; callers
// mutate the session exclusively through Connect, OnLoginComplete and
// Disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/storage"
	"github.com/starcpay/stream_engine/internal/circle"
	"github.com/starcpay/stream_engine/pkg/logger"
)

var (
	// ErrNotReady is returned by Connect before Init has completed.
	ErrNotReady = errors.New("session: not ready")
	// ErrNotConnected is returned by Execute without an active login.
	ErrNotConnected = errors.New("session: not connected")
)

// ChallengeExecutor abstracts the provider's signing SDK. Implementations
// surface the SDK's completion callbacks as plain error returns.
type ChallengeExecutor interface {
	DeviceID(ctx context.Context) (string, error)
	PerformLogin(ctx context.Context) error
	SetAuthentication(userToken, encryptionKey string)
	Execute(ctx context.Context, challengeID string) error
}

// Provider is the subset of the wallet provider API the session needs.
type Provider interface {
	CreateDeviceToken(ctx context.Context, deviceID string) (circle.DeviceToken, error)
	InitializeUser(ctx context.Context, userToken string) (string, error)
	ListWallets(ctx context.Context, userToken string) ([]circle.Wallet, error)
}

// Config holds session tunables.
type Config struct {
	// SettleDelay is how long to wait after wallet-provisioning challenge
	// execution before listing wallets.
	SettleDelay time.Duration
}

// Service is the wallet bridge and session bootstrapper.
type Service struct {
	provider Provider
	executor ChallengeExecutor
	store    storage.SessionStore
	settle   time.Duration
	log      *logger.Logger

	mu         sync.Mutex
	state      State
	deviceID   string
	credential wallet.DeviceCredential
	login      wallet.LoginResult
	handle     wallet.Handle
	lastError  string
}

// New constructs a session service.
func New(provider Provider, executor ChallengeExecutor, store storage.SessionStore, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("session")
	}
	settle := cfg.SettleDelay
	if settle == 0 {
		settle = 2 * time.Second
	}
	return &Service{
		provider: provider,
		executor: executor,
		store:    store,
		settle:   settle,
		log:      log,
		state:    StateUninitialized,
	}
}

// Init resolves the device identity and marks the session ready. Safe to
// call more than once; only the first call does work.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	identity, err := s.store.GetDeviceIdentity(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		id, derr := s.executor.DeviceID(ctx)
		if derr != nil {
			return fmt.Errorf("resolve device id: %w", derr)
		}
		identity = wallet.DeviceIdentity{ID: id, CreatedAt: time.Now().UTC()}
		if perr := s.store.PutDeviceIdentity(ctx, identity); perr != nil {
			return fmt.Errorf("persist device identity: %w", perr)
		}
	} else if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = identity.ID
	s.transition(StateReady)
	s.log.WithField("device_id", identity.ID).Info("session ready")
	return nil
}

// Connect obtains a device credential (cached across restarts) and starts
// the social-login flow. Fails fast with ErrNotReady before Init.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateUninitialized {
		s.mu.Unlock()
		return ErrNotReady
	}
	if !s.transition(StateAwaitingDevice) {
		current := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: connect not allowed in state %s", current)
	}
	deviceID := s.deviceID
	s.mu.Unlock()

	cred, err := s.ensureCredential(ctx, deviceID)
	if err != nil {
		s.fail("device credential", err)
		return err
	}

	s.mu.Lock()
	s.credential = cred
	s.transition(StateAwaitingLogin)
	s.mu.Unlock()

	if err := s.executor.PerformLogin(ctx); err != nil {
		s.fail("login start", err)
		return err
	}
	return nil
}

func (s *Service) ensureCredential(ctx context.Context, deviceID string) (wallet.DeviceCredential, error) {
	cred, err := s.store.GetDeviceCredential(ctx, deviceID)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return wallet.DeviceCredential{}, fmt.Errorf("load device credential: %w", err)
	}

	token, err := s.provider.CreateDeviceToken(ctx, deviceID)
	if err != nil {
		return wallet.DeviceCredential{}, fmt.Errorf("create device token: %w", err)
	}
	cred = wallet.DeviceCredential{
		DeviceID:      deviceID,
		Token:         token.Token,
		EncryptionKey: token.EncryptionKey,
		IssuedAt:      time.Now().UTC(),
	}
	if err := s.store.PutDeviceCredential(ctx, cred); err != nil {
		return wallet.DeviceCredential{}, fmt.Errorf("persist device credential: %w", err)
	}
	return cred, nil
}

// OnLoginComplete receives the social-login outcome. Redirect mechanics can
// deliver the completion twice; the transition guard makes the second
// delivery a no-op.
func (s *Service) OnLoginComplete(ctx context.Context, result wallet.LoginResult, loginErr error) error {
	if loginErr != nil {
		s.fail("login", loginErr)
		return loginErr
	}

	s.mu.Lock()
	if !s.transition(StateLoginCompleted) || !s.transition(StatePostLogin) {
		s.mu.Unlock()
		s.log.Debug("duplicate login completion ignored")
		return nil
	}
	s.login = result
	s.mu.Unlock()

	if err := s.postLogin(ctx, result); err != nil {
		s.fail("post-login", err)
		return err
	}
	return nil
}

// postLogin provisions or resolves the user's wallet.
func (s *Service) postLogin(ctx context.Context, result wallet.LoginResult) error {
	challengeID, err := s.provider.InitializeUser(ctx, result.UserToken)
	switch {
	case errors.Is(err, circle.ErrAlreadyInitialized):
		// Account exists; the wallet is already there.
	case err != nil:
		return fmt.Errorf("initialize user: %w", err)
	default:
		s.executor.SetAuthentication(result.UserToken, result.EncryptionKey)
		if err := s.executor.Execute(ctx, challengeID); err != nil {
			return fmt.Errorf("provision wallet: %w", err)
		}
		select {
		case <-time.After(s.settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wallets, err := s.provider.ListWallets(ctx, result.UserToken)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}
	if len(wallets) == 0 {
		return fmt.Errorf("no wallets provisioned")
	}
	first := wallets[0]

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = wallet.Handle{ID: first.ID, Address: first.Address, Blockchain: first.Blockchain}
	s.transition(StateActive)
	s.log.WithField("address", first.Address).Info("session active")
	return nil
}

// Execute runs a signing challenge with the current login credentials.
func (s *Service) Execute(ctx context.Context, challengeID string) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotConnected
	}
	login := s.login
	s.mu.Unlock()

	s.executor.SetAuthentication(login.UserToken, login.EncryptionKey)
	if err := s.executor.Execute(ctx, challengeID); err != nil {
		return fmt.Errorf("execute challenge %s: %w", challengeID, err)
	}
	return nil
}

// Disconnect clears the wallet handle and login result. The device
// credential stays cached for the next connect.
func (s *Service) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = wallet.Handle{}
	s.login = wallet.LoginResult{}
	s.lastError = ""
	s.state = StateReady
	s.log.Info("session disconnected")
}

// State reports the current lifecycle position.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wallet returns the resolved wallet handle once the session is active.
func (s *Service) Wallet() (wallet.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.state == StateActive
}

// UserToken returns the session's user token, empty when not logged in.
func (s *Service) UserToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login.UserToken
}

// LastError returns the human-readable reason for the errored state.
func (s *Service) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// transition moves to the target state when the table allows it. Caller
// holds the mutex.
func (s *Service) transition(to State) bool {
	if !canTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

func (s *Service) fail(stage string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = fmt.Sprintf("%s: %v", stage, err)
	s.state = StateErrored
	s.log.WithError(err).WithField("stage", stage).Error("session error")
}
