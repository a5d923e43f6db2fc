// Package ledger implements the per-peer bilateral accounting: debit/credit
// balances, net position, credit limits, and settlement triggers.
//
// Grounded on htlcswitch/switch_control.go's paymentControl: a per-account
// mutex guards an explicit state machine (there: Grounded/InFlight/
// Completed; here: Idle/Triggered/Settling) so a transition can only ever
// proceed forward, and a re-entry guard prevents a second settlement from
// being triggered while one is outstanding.
package ledger

import (
	"sort"
	"sync"

	"github.com/settlemesh/connector/internal/telemetry"
)

// SettlementState tracks where an account sits relative to an in-flight
// off-path settlement.
type SettlementState int

const (
	Idle SettlementState = iota
	Triggered
	Settling
)

// PeerID names a bilateral counterparty.
type PeerID string

// TokenID names the fixed asset/scale pairing for a peer link.
type TokenID string

// SettlementExecutor is the external collaborator invoked when a bilateral
// account crosses its settlement threshold. It is named, not defined, by
// the spec; callers supply a real off-path settlement implementation.
type SettlementExecutor interface {
	Settle(peer PeerID, token TokenID, amount int64) (success bool, err error)
}

// Account is a single (peerId, tokenId) bilateral balance.
type Account struct {
	mu sync.Mutex

	peer  PeerID
	token TokenID

	creditLimit         int64
	settlementThreshold int64

	debitBalance  int64
	creditBalance int64
	state         SettlementState

	// pendingFollowUp records a threshold crossing observed while the
	// account was Triggered/Settling, so it is re-evaluated on return to
	// Idle instead of being re-triggered immediately (SPEC_FULL §9).
	pendingFollowUp bool
}

// NetBalance returns creditBalance - debitBalance.
func (a *Account) NetBalance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creditBalance - a.debitBalance
}

// State returns the account's current settlement state.
func (a *Account) State() SettlementState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ledger owns every bilateral Account, keyed by (peer, token), and enforces
// the fixed lock-acquisition order required when a single hop mutates two
// accounts at once.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[accountKey]*Account
	emitter  *telemetry.Emitter
	executor SettlementExecutor
}

type accountKey struct {
	peer  PeerID
	token TokenID
}

// New constructs an empty Ledger. emitter may be nil (telemetry becomes a
// no-op); executor may be nil until settlement wiring is configured, in
// which case a threshold crossing moves the account to Triggered and
// nothing acknowledges it.
func New(emitter *telemetry.Emitter, executor SettlementExecutor) *Ledger {
	return &Ledger{
		accounts: make(map[accountKey]*Account),
		emitter:  emitter,
		executor: executor,
	}
}

// OpenAccount registers (or returns the existing) account for peer/token
// with the given limits.
func (l *Ledger) OpenAccount(peer PeerID, token TokenID, creditLimit, settlementThreshold int64) *Account {
	key := accountKey{peer, token}

	l.mu.Lock()
	defer l.mu.Unlock()

	if a, ok := l.accounts[key]; ok {
		return a
	}
	a := &Account{
		peer:                peer,
		token:               token,
		creditLimit:         creditLimit,
		settlementThreshold: settlementThreshold,
	}
	l.accounts[key] = a
	return a
}

func (l *Ledger) account(peer PeerID, token TokenID) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[accountKey{peer, token}]
	return a, ok
}

// AdmitsCredit reports whether crediting amount to (peer, token) stays
// within the account's credit limit — the capacity check performed before
// forwarding a Prepare downstream.
func (l *Ledger) AdmitsCredit(peer PeerID, token TokenID, amount int64) bool {
	a, ok := l.account(peer, token)
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	projected := (a.creditBalance + amount) - a.debitBalance
	return projected <= a.creditLimit
}

// CreditHop credits peer/token by amount (a value forwarded downstream),
// evaluating settlement thresholds afterward.
func (l *Ledger) CreditHop(peer PeerID, token TokenID, amount int64) error {
	a, ok := l.account(peer, token)
	if !ok {
		return errAccountNotFound(peer, token)
	}
	a.mu.Lock()
	a.creditBalance += amount
	l.evaluateThresholdLocked(a)
	a.mu.Unlock()
	return nil
}

// DebitHop debits peer/token by amount (a value received from upstream).
func (l *Ledger) DebitHop(peer PeerID, token TokenID, amount int64) error {
	a, ok := l.account(peer, token)
	if !ok {
		return errAccountNotFound(peer, token)
	}
	a.mu.Lock()
	a.debitBalance += amount
	l.evaluateThresholdLocked(a)
	a.mu.Unlock()
	return nil
}

// SettleHop performs both legs of a single forwarding hop atomically with
// respect to settlement evaluation: debit the upstream account, credit the
// downstream account, acquiring locks in a fixed lexicographic order on
// peerId to avoid deadlock (SPEC_FULL §5).
func (l *Ledger) SettleHop(upstream, downstream PeerID, token TokenID, amount int64) error {
	up, ok := l.account(upstream, token)
	if !ok {
		return errAccountNotFound(upstream, token)
	}
	down, ok := l.account(downstream, token)
	if !ok {
		return errAccountNotFound(downstream, token)
	}

	first, second := up, down
	if string(downstream) < string(upstream) {
		first, second = down, up
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	up.debitBalance += amount
	down.creditBalance += amount
	l.evaluateThresholdLocked(up)
	l.evaluateThresholdLocked(down)
	return nil
}

func errAccountNotFound(peer PeerID, token TokenID) error {
	return &AccountNotFoundError{Peer: peer, Token: token}
}

// AccountNotFoundError is returned when an operation targets an
// unregistered (peer, token) pair.
type AccountNotFoundError struct {
	Peer  PeerID
	Token TokenID
}

func (e *AccountNotFoundError) Error() string {
	return "ledger: no account for peer=" + string(e.Peer) + " token=" + string(e.Token)
}

// evaluateThresholdLocked must be called with a.mu held. It implements
// SPEC_FULL §4.5 / §2.8: crossing |netBalance| >= settlementThreshold while
// Idle triggers settlement; crossings observed while Triggered/Settling set
// the pending-follow-up flag instead of re-triggering.
func (l *Ledger) evaluateThresholdLocked(a *Account) {
	net := a.creditBalance - a.debitBalance
	abs := net
	if abs < 0 {
		abs = -abs
	}

	crossed := abs >= a.settlementThreshold

	switch a.state {
	case Idle:
		if crossed {
			a.state = Triggered
			l.emitSettlementTriggered(a, net)
			l.requestSettlement(a, abs)
		}
	case Triggered, Settling:
		if crossed {
			a.pendingFollowUp = true
		}
	}
}

func (l *Ledger) emitSettlementTriggered(a *Account, net int64) {
	if l.emitter == nil {
		return
	}
	l.emitter.Enqueue(telemetry.Message{
		Type: telemetry.SettlementTriggered,
		Data: map[string]interface{}{
			"peerId":    string(a.peer),
			"tokenId":   string(a.token),
			"netBalance": net,
		},
	})
}

// requestSettlement dispatches the executor call for the net-balance
// magnitude (abs) observed at the moment the crossing was detected, not the
// configured threshold — a crossing can overshoot the threshold (e.g. a
// single hop larger than settlementThreshold), and settling only the
// threshold would leave a permanent residual netBalance.
func (l *Ledger) requestSettlement(a *Account, amount int64) {
	if l.executor == nil {
		return
	}
	a.state = Settling

	go func(acct *Account, amt int64) {
		success, _ := l.executor.Settle(acct.peer, acct.token, amt)
		l.AcknowledgeSettlement(acct.peer, acct.token, amt, success)
	}(a, amount)
}

// AcknowledgeSettlement resolves a Settling account on executor
// acknowledgment. On success it resets balances by the settled amount and
// returns the account to Idle; on failure the account stays Settling (no
// off-path settlement occurred, so pretending otherwise would let further
// traffic exceed creditLimit with no re-trigger path) until a retried or
// replaced executor call succeeds. If a pending follow-up threshold crossing
// was observed, it is re-evaluated once the account is back to Idle.
func (l *Ledger) AcknowledgeSettlement(peer PeerID, token TokenID, settledAmount int64, success bool) {
	a, ok := l.account(peer, token)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		if a.creditBalance >= a.debitBalance {
			a.creditBalance -= settledAmount
		} else {
			a.debitBalance -= settledAmount
		}
		a.state = Idle
	}

	if l.emitter != nil {
		l.emitter.Enqueue(telemetry.Message{
			Type: telemetry.SettlementCompleted,
			Data: map[string]interface{}{
				"peerId":        string(a.peer),
				"tokenId":       string(a.token),
				"success":       success,
				"settledAmount": settledAmount,
			},
		})
	}

	if success && a.pendingFollowUp {
		a.pendingFollowUp = false
		l.evaluateThresholdLocked(a)
	}
}

// Accounts returns a stable, sorted snapshot of every registered account's
// (peer, token, netBalance) for telemetry hydration.
func (l *Ledger) Accounts() []BalanceSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]BalanceSnapshot, 0, len(l.accounts))
	for k, a := range l.accounts {
		a.mu.Lock()
		out = append(out, BalanceSnapshot{
			Peer:  k.peer,
			Token: k.token,
			Net:   a.creditBalance - a.debitBalance,
			State: a.state,
		})
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// BalanceSnapshot is a point-in-time read of one account.
type BalanceSnapshot struct {
	Peer  PeerID
	Token TokenID
	Net   int64
	State SettlementState
}
