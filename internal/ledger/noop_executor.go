package ledger

import (
	"github.com/btcsuite/btclog"

	"github.com/settlemesh/connector/internal/logctx"
)

var settleLog btclog.Logger = logctx.NewLogger("LDGR")

// NoopSettlementExecutor is the SettlementExecutor used when a node has no
// real off-path settlement rail configured: it logs the threshold crossing
// and reports failure so the account stays in Settling until a real
// executor is wired in, per SPEC_FULL §3's "no-op/test implementation".
type NoopSettlementExecutor struct{}

// Settle logs the requested settlement and always reports failure.
func (NoopSettlementExecutor) Settle(peer PeerID, token TokenID, amount int64) (bool, error) {
	settleLog.Warnf("ledger: no settlement executor configured, cannot settle %d of %s owed to %s", amount, token, peer)
	return false, nil
}
